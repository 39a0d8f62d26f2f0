package source

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

// FilePayload is an uploaded file as sent to the chart service.
type FilePayload struct {
	Filename string `json:"filename"`
	Filetype string `json:"filetype"`
	Value    string `json:"value"` // base64 of the original bytes
}

// Bytes decodes Value.
func (p FilePayload) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Value)
}

const xlsxType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var ErrEmptyUpload = errors.New("source: uploaded file is empty")

// ReadUpload reads one uploaded file twice: as text for ingestion, and as a
// base64 payload for the chart service.
//
// Spreadsheets (.xlsx, by name or MIME type) are converted to CSV text from
// their first sheet; the payload still carries the original workbook bytes.
// Anything else must be UTF-8 text.
func ReadUpload(filename, filetype string, content []byte) (string, FilePayload, error) {
	if len(content) == 0 {
		return "", FilePayload{}, ErrEmptyUpload
	}
	payload := FilePayload{
		Filename: filename,
		Filetype: filetype,
		Value:    base64.StdEncoding.EncodeToString(content),
	}

	if isXLSX(filename, filetype) {
		text, err := xlsxCSV(content)
		if err != nil {
			return "", FilePayload{}, fmt.Errorf("source: read %s: %w", filename, err)
		}
		return text, payload, nil
	}

	if !utf8.Valid(content) {
		return "", FilePayload{}, fmt.Errorf("source: %s is not UTF-8 text", filename)
	}
	return string(content), payload, nil
}

func isXLSX(filename, filetype string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".xlsx") || strings.EqualFold(filetype, xlsxType)
}

// xlsxCSV renders the first sheet of a workbook as CSV.
func xlsxCSV(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", errors.New("no sheets in workbook")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	w := csv.NewWriter(&sb)
	for _, row := range rows {
		// GetRows returns empty slices for blank rows; keep them blank so
		// ingestion skips them like empty CSV lines.
		if len(row) == 0 {
			w.Flush()
			sb.WriteString("\n")
			continue
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	return sb.String(), w.Error()
}
