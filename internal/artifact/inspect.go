package artifact

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

const excerptLimit = 240

// Info is what can be learned from the payload without rendering it.
type Info struct {
	Pages   int
	Excerpt string
}

// Inspect reads the page count and a short text excerpt. It is best-effort:
// a payload the parser rejects yields a zero Info and the error.
func Inspect(data []byte) (info Info, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			info, err = Info{}, fmt.Errorf("inspect pdf: %v", rec)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Info{}, fmt.Errorf("inspect pdf: %w", err)
	}
	info.Pages = reader.NumPage()
	info.Excerpt = plainExcerpt(reader)
	return info, nil
}

// plainExcerpt never fails; text extraction problems leave the excerpt empty.
func plainExcerpt(reader *pdf.Reader) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()
	plain, err := reader.GetPlainText()
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, excerptLimit*4)); err != nil {
		return ""
	}
	return excerpt(buf.String())
}

func excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > excerptLimit {
		return string(runes[:excerptLimit]) + "..."
	}
	return text
}
