package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerParser reads a plain expense ledger with a header row naming the
// columns date, description, vendor and amount in any order. Amounts are
// positive for money spent.
type LedgerParser struct{}

var ledgerColumns = []string{"date", "description", "vendor", "amount"}

// Format returns the parser name.
func (p *LedgerParser) Format() string { return "ledger" }

// Parse reads the ledger. Spent amounts come back negative, like a bank
// export.
func (p *LedgerParser) Parse(r io.Reader) ([]Transaction, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger header: %w", err)
	}
	col, err := headerIndex("ledger", header, ledgerColumns)
	if err != nil {
		return nil, err
	}

	var txns []Transaction
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return txns, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading ledger: %w", err)
		}
		date, err := time.Parse(DateFormat, rec[col["date"]])
		if err != nil {
			return nil, fmt.Errorf("row %d: parsing date %q: %w", line, rec[col["date"]], err)
		}
		amount, err := decimal.NewFromString(rec[col["amount"]])
		if err != nil {
			return nil, fmt.Errorf("row %d: parsing amount %q: %w", line, rec[col["amount"]], err)
		}
		txns = append(txns, Transaction{
			Date:        date,
			Description: rec[col["description"]],
			Vendor:      rec[col["vendor"]],
			Amount:      amount.Neg(),
		})
	}
}
