package ingest

// minCharsPerPage is the text-density floor below which a page is
// treated as image-only.
const minCharsPerPage = 100

// scannedThreshold is the confidence at or above which OCR is applied.
const scannedThreshold = 0.7

// ScanConfidence estimates how likely a document is a scan with no
// embedded text layer. It is the fraction of pages whose extracted
// character count falls under the density floor; a document with no
// pages or no per-page counts falls back to judging the whole text.
func ScanConfidence(ex *Extraction) float64 {
	if len(ex.PageChars) > 0 {
		sparse := 0
		for _, chars := range ex.PageChars {
			if chars < minCharsPerPage {
				sparse++
			}
		}
		return float64(sparse) / float64(len(ex.PageChars))
	}

	if ex.PageCount <= 0 {
		return 0
	}
	if len(ex.FullText)/ex.PageCount < minCharsPerPage {
		return 1
	}
	return 0
}

// NeedsOCR reports whether the scanned-document heuristic classifies
// the extraction as a scan with enough confidence to run OCR.
func NeedsOCR(ex *Extraction) bool {
	return ScanConfidence(ex) >= scannedThreshold
}
