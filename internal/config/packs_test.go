package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewPacksConfigHolderDefaults(t *testing.T) {
	// No packs.yml anywhere on the search path, so the built-in catalog
	// applies with slugged codes.
	holder, err := NewPacksConfigHolder(Config{PacksConfigPath: t.TempDir()})
	if err != nil {
		t.Fatalf("holder: %v", err)
	}

	packs := holder.Get().Packs
	if len(packs) != 3 {
		t.Fatalf("expected 3 default packs, got %d", len(packs))
	}

	pack, ok := holder.Match(499, 1000)
	if !ok {
		t.Fatal("expected starter pack match")
	}
	if pack.Code != "starter-pack" {
		t.Fatalf("expected slugged code starter-pack, got %s", pack.Code)
	}
}

func TestNewPacksConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	fixture := `packs:
  - name: Scholarship Sprint
    code: sprint
    amountPaid: 1299
    credits: 3000
`
	if err := os.WriteFile(filepath.Join(dir, "packs.yml"), []byte(fixture), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	holder, err := NewPacksConfigHolder(Config{PacksConfigPath: dir})
	if err != nil {
		t.Fatalf("holder: %v", err)
	}

	pack, ok := holder.Match(1299, 3000)
	if !ok {
		t.Fatal("expected sprint pack match")
	}
	if pack.Name != "Scholarship Sprint" || pack.Code != "sprint" {
		t.Fatalf("unexpected pack %+v", pack)
	}

	if _, ok := holder.Match(499, 1000); ok {
		t.Fatal("defaults must not leak past a configured file")
	}
}

func TestNewPacksConfigHolderRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	fixture := `packs:
  - name: Broken
    code: broken
    amountPaid: 0
    credits: 100
`
	if err := os.WriteFile(filepath.Join(dir, "packs.yml"), []byte(fixture), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := NewPacksConfigHolder(Config{PacksConfigPath: dir}); err == nil {
		t.Fatal("expected validation error for non-positive amountPaid")
	}
}

func TestMatchMissesNearPrices(t *testing.T) {
	holder, err := NewPacksConfigHolder(Config{PacksConfigPath: t.TempDir()})
	if err != nil {
		t.Fatalf("holder: %v", err)
	}

	// Both price and credits must line up.
	if _, ok := holder.Match(499, 2500); ok {
		t.Fatal("matched pack with wrong credit count")
	}
	if _, ok := holder.Match(500, 1000); ok {
		t.Fatal("matched pack with wrong price")
	}
}

func TestValidatePacksConfig(t *testing.T) {
	if err := validatePacksConfig(PacksConfig{}); err == nil {
		t.Fatal("expected error for empty catalog")
	}

	dup := PacksConfig{Packs: []CreditPack{
		{Name: "A", Code: "same", AmountPaid: 1, Credits: 1},
		{Name: "B", Code: "same", AmountPaid: 2, Credits: 2},
	}}
	if err := validatePacksConfig(dup); err == nil {
		t.Fatal("expected error for duplicate codes")
	}
}

func TestNormalizePacksDerivesCodes(t *testing.T) {
	cfg := normalizePacks(PacksConfig{Packs: []CreditPack{
		{Name: "  Mega Pack  ", AmountPaid: 100, Credits: 200},
	}})
	if cfg.Packs[0].Name != "Mega Pack" {
		t.Fatalf("expected trimmed name, got %q", cfg.Packs[0].Name)
	}
	if cfg.Packs[0].Code != "mega-pack" {
		t.Fatalf("expected slugged code mega-pack, got %q", cfg.Packs[0].Code)
	}
}
