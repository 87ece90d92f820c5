package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type ReceiptData struct {
	ReceiptNumber string
	UserID        string
	Date          string
	Description   string
	Purpose       string
	Credits       int64
	BalanceAfter  int64
	AmountPaid    string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateReceipt(ctx context.Context, data ReceiptData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(12, "Credit receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt number: "+data.ReceiptNumber, props.Text{Top: 0}),
			text.New("Date: "+data.Date, props.Text{Top: 4}),
			text.New("Account: "+data.UserID, props.Text{Top: 8}),
		),
		col.New(6),
	)

	headline := fmt.Sprintf("%+d credits on %s", data.Credits, data.Date)
	m.AddRow(15,
		text.NewCol(12, headline, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Purpose", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Credits", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Balance after", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	description := data.Description
	if description == "" {
		description = data.Purpose
	}
	m.AddRow(15,
		text.NewCol(6, description, props.Text{Size: 9}),
		text.NewCol(2, data.Purpose, props.Text{Size: 9}),
		text.NewCol(2, fmt.Sprintf("%+d", data.Credits), props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, fmt.Sprintf("%d", data.BalanceAfter), props.Text{Size: 9, Align: align.Right}),
	)

	if data.AmountPaid != "" {
		m.AddRow(10,
			col.New(8),
			text.NewCol(2, "Amount paid", props.Text{Size: 9}),
			text.NewCol(2, data.AmountPaid, props.Text{Size: 9, Align: align.Right}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
