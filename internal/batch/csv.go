package batch

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Supported input encodings
const (
	EncodingUTF8   = "utf-8"
	EncodingLatin1 = "latin1"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// input column names, lower-cased
const (
	colEscriptNDC    = "escript ndc"
	colEscriptItem   = "escript prescribed item"
	colDispensedNDC  = "dispensed ndc"
	colDispensedItem = "dispensed item"
	colGCN           = "gcn"
	colRowID         = "rowid"
	colPageNumber    = "page_number"
)

// decoder wraps r for the named encoding
func decoder(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingUTF8, "utf8":
		br := bufio.NewReader(r)
		if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
			_, _ = br.Discard(len(utf8BOM))
		}
		return br, nil
	case EncodingLatin1, "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1.NewDecoder().Reader(r), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// ReadRows decodes report rows from CSV. Headers are matched without regard
// to case; unrecognised columns land in InputRow.Extra. Rows without a rowID
// are numbered from 1.
func ReadRows(r io.Reader, encoding string) ([]InputRow, error) {
	dec, err := decoder(r, encoding)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(dec)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := index[colEscriptNDC]; !ok {
		return nil, fmt.Errorf("missing %q column", "Escript NDC")
	}

	var rows []InputRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		cell := func(col string) string {
			if i, ok := index[col]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		row := InputRow{
			EscriptNDC:    cell(colEscriptNDC),
			EscriptItem:   cell(colEscriptItem),
			DispensedNDC:  cell(colDispensedNDC),
			DispensedItem: cell(colDispensedItem),
			GCN:           cell(colGCN),
			RowID:         cell(colRowID),
			PageNumber:    cell(colPageNumber),
		}
		if row.RowID == "" {
			row.RowID = strconv.Itoa(len(rows) + 1)
		}
		for i, name := range header {
			if known(strings.ToLower(strings.TrimSpace(name))) || i >= len(rec) {
				continue
			}
			if row.Extra == nil {
				row.Extra = make(map[string]string)
			}
			row.Extra[strings.TrimSpace(name)] = rec[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func known(col string) bool {
	switch col {
	case colEscriptNDC, colEscriptItem, colDispensedNDC, colDispensedItem, colGCN, colRowID, colPageNumber:
		return true
	}
	return false
}

// WriteRows writes OutputHeader followed by rows
func WriteRows(w io.Writer, rows []OutputRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(OutputHeader); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(row.Values()); err != nil {
			return fmt.Errorf("failed to write row %s: %w", row.RecordID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteErrors writes one message per line, lookup errors first
func WriteErrors(w io.Writer, result *Result) error {
	bw := bufio.NewWriter(w)
	for _, list := range [][]string{result.LookupErrors, result.ReconcileErrors} {
		for _, msg := range list {
			if _, err := fmt.Fprintln(bw, msg); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
