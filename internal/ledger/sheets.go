package ledger

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// CodesHeader is the header cell that marks the code column in the
// codes worksheet.
const CodesHeader = "Codes:"

// Sheets appends assignment rows to a worksheet and reads seed codes from
// another one.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
}

// NewSheets builds a Sheets sink. Pass option.WithCredentialsFile for a
// service account; tests pass option.WithEndpoint and
// option.WithoutAuthentication.
func NewSheets(ctx context.Context, spreadsheetID, sheetName string, opts ...option.ClientOption) (*Sheets, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, fmt.Errorf("sheets ledger: empty spreadsheet id")
	}
	if sheetName == "" {
		sheetName = "Sheet1"
	}
	opts = append([]option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}, opts...)
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return &Sheets{svc: svc, spreadsheetID: spreadsheetID, sheetName: sheetName}, nil
}

// Append adds one row: code, phone, device, receipt.
func (s *Sheets) Append(ctx context.Context, e Entry) error {
	row := &sheets.ValueRange{
		Values: [][]any{{e.Code, e.Phone, e.Device, e.ReceiptID}},
	}
	_, err := s.svc.Spreadsheets.Values.
		Append(s.spreadsheetID, s.sheetName+"!A:D", row).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("sheets append: %w", err)
	}
	return nil
}

// ReadCodes returns the non-empty values below the CodesHeader column of the
// named worksheet.
func (s *Sheets) ReadCodes(ctx context.Context, sheetName string) ([]string, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, sheetName).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sheets read %s: %w", sheetName, err)
	}
	if len(resp.Values) == 0 {
		return nil, nil
	}
	col := -1
	for i, h := range resp.Values[0] {
		if strings.TrimSpace(fmt.Sprint(h)) == CodesHeader {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("sheets read %s: no %q column", sheetName, CodesHeader)
	}
	var out []string
	for _, row := range resp.Values[1:] {
		if col >= len(row) {
			continue
		}
		if v := strings.TrimSpace(fmt.Sprint(row[col])); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}
