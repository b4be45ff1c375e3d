package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// ChaseParser parses Chase checking CSV exports. Columns are found by their
// header, so exports with reordered or extra columns still load.
type ChaseParser struct{}

const chaseDateFormat = "01/02/2006"

var chaseColumns = []string{"posting date", "description", "amount", "type", "check or slip #"}

// chaseMethods maps Chase transaction types to payment methods.
var chaseMethods = map[string]string{
	"ACH_DEBIT":     "ach",
	"ACH_CREDIT":    "ach",
	"DEBIT_CARD":    "card",
	"CHECK_PAID":    "check",
	"WIRE_OUTGOING": "wire",
	"WIRE_INCOMING": "wire",
}

// Format returns the parser name.
func (p *ChaseParser) Format() string { return "chase" }

// Parse reads a Chase CSV and returns its Transactions.
func (p *ChaseParser) Parse(r io.Reader) ([]Transaction, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading chase CSV: %w", err)
	}
	col, err := headerIndex("chase", header, chaseColumns)
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
			return nil, fmt.Errorf("reading chase CSV: %w", err)
		}
		if len(rec) < len(header) {
			return nil, fmt.Errorf("reading chase CSV: row %d has %d fields, want %d", line, len(rec), len(header))
		}
		txn, err := chaseTransaction(rec, col)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		txns = append(txns, txn)
	}
}

func chaseTransaction(rec []string, col map[string]int) (Transaction, error) {
	rawDate := rec[col["posting date"]]
	date, err := time.Parse(chaseDateFormat, rawDate)
	if err != nil {
		return Transaction{}, fmt.Errorf("parsing date %q: %w", rawDate, err)
	}
	rawAmount := rec[col["amount"]]
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return Transaction{}, fmt.Errorf("parsing amount %q: %w", rawAmount, err)
	}

	desc := strings.TrimSpace(rec[col["description"]])
	kind := rec[col["type"]]
	t := Transaction{
		Date:        date,
		Description: desc,
		Amount:      amount,
		Method:      chaseMethod(kind),
		Reference:   strings.TrimSpace(rec[col["check or slip #"]]),
	}
	// A paid check names the payee only on the check itself.
	if kind != "CHECK_PAID" {
		t.Vendor = chaseVendor(desc)
	}
	if t.Reference == "" {
		t.Reference = chaseRef(date, desc)
	}
	return t, nil
}

func chaseMethod(kind string) string {
	if m, ok := chaseMethods[kind]; ok {
		return m
	}
	return strings.ToLower(kind)
}

// chaseVendor is the merchant part of a card descriptor:
// "GITHUB *PRO SUBSCRIPTION" is charged by GITHUB.
func chaseVendor(desc string) string {
	merchant, _, _ := strings.Cut(desc, "*")
	return strings.TrimSpace(merchant)
}

// chaseRef builds a stable reference like chase_20250103_GITHUBPROS for
// lines without a check number.
func chaseRef(date time.Time, desc string) string {
	var b strings.Builder
	for _, r := range desc {
		if b.Len() == 10 {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	return "chase_" + date.Format("20060102") + "_" + b.String()
}
