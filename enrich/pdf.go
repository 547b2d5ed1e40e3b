package enrich

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFPageCount parses the document and returns its page count. Corrupt or
// non-PDF bytes are rejected here rather than after a backend round trip.
func PDFPageCount(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("read pdf: %w", err)
	}
	return ctx.PageCount, nil
}

// ParsePageRange validates a "1-3,5,7-9" style selection against the
// document's page count and returns the selected pages in order. An empty
// spec selects every page.
func ParsePageRange(spec string, pageCount int) ([]int, error) {
	if strings.TrimSpace(spec) == "" {
		pages := make([]int, pageCount)
		for i := range pages {
			pages[i] = i + 1
		}
		return pages, nil
	}
	var pages []int
	seen := map[int]bool{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		lo, hi, ok := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("invalid page %q", part)
		}
		end := start
		if ok {
			end, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
		}
		if start < 1 || end < start {
			return nil, fmt.Errorf("invalid range %q", part)
		}
		if end > pageCount {
			return nil, fmt.Errorf("page %d out of range, document has %d pages", end, pageCount)
		}
		for p := start; p <= end; p++ {
			if !seen[p] {
				seen[p] = true
				pages = append(pages, p)
			}
		}
	}
	return pages, nil
}
