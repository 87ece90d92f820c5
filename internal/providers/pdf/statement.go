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

type StatementData struct {
	UserID       string
	GeneratedAt  string
	Balance      int64
	TotalGranted int64
	Lines        []StatementLine
}

type StatementLine struct {
	Date         string
	Description  string
	Purpose      string
	Delta        int64
	BalanceAfter int64
}

func (p *PDFProvider) GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(12, "Credit statement", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(25,
		col.New(6).Add(
			text.New("Account: "+data.UserID, props.Text{Top: 0}),
			text.New("Generated: "+data.GeneratedAt, props.Text{Top: 4}),
		),
		col.New(6).Add(
			text.New(fmt.Sprintf("Current balance: %d credits", data.Balance), props.Text{Top: 0, Style: fontstyle.Bold}),
			text.New(fmt.Sprintf("Total granted: %d credits", data.TotalGranted), props.Text{Top: 4}),
		),
	)

	m.AddRow(10,
		text.NewCol(3, "Date", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Purpose", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(1, "Credits", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Balance", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, line := range data.Lines {
		description := line.Description
		if description == "" {
			description = line.Purpose
		}
		m.AddRow(12,
			text.NewCol(3, line.Date, props.Text{Size: 9}),
			text.NewCol(4, description, props.Text{Size: 9}),
			text.NewCol(2, line.Purpose, props.Text{Size: 9}),
			text.NewCol(1, fmt.Sprintf("%+d", line.Delta), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, fmt.Sprintf("%d", line.BalanceAfter), props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Closing balance", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(2, fmt.Sprintf("%d", data.Balance), props.Text{Size: 9, Align: align.Right, Style: fontstyle.Bold}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
