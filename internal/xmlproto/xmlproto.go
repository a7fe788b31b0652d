// Package xmlproto builds and parses the Firehose/Sahara-peer XML request
// and response documents. It follows the encoding/xml idiom the teacher
// itself uses for SVD device trees (embeddedgo-tools/svd/svd.go) and the
// dialect is the exact one spoken by rawprogram*.xml tooling in the wild
// (see _examples/other_examples/kiddlu-android-platform-knife__packsparseimg.go,
// whose Program struct carries the same SECTOR_SIZE_IN_BYTES /
// num_partition_sectors / physical_partition_number / start_sector
// attributes this package emits).
package xmlproto

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
)

// Tag is one element to emit inside <data>...</data>, e.g. <configure .../>.
type Tag struct {
	Name  string
	Attrs []Attr
}

// Attr is a single XML attribute. Value may be string, bool, or any integer
// type; it is stringified the way the wire format expects (decimal ints,
// lowercase "true"/"false" for bools, literal strings otherwise).
type Attr struct {
	Name  string
	Value any
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// Build emits <?xml version="1.0" ?><data><TAG attr="v" .../></data> for a
// single tag, matching the one-command-per-document Firehose convention.
func Build(t Tag) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" ?><data><`)
	buf.WriteString(t.Name)
	for _, a := range t.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name)
		buf.WriteString(`="`)
		xml.EscapeText(&buf, []byte(stringify(a.Value)))
		buf.WriteString(`"`)
	}
	buf.WriteString(` />`)
	buf.WriteString(`</data>`)
	return buf.Bytes()
}

// rawElement captures any element's attributes and value without knowing
// its tag name in advance, used while scanning the <data> children.
type rawElement struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
}

type dataDoc struct {
	XMLName  xml.Name     `xml:"data"`
	Elements []rawElement `xml:",any"`
}

// split breaks a (possibly noisy, possibly multi-document) USB read into the
// individual "<?xml ...?><data>...</data>" fragments it contains, discarding
// any non-XML bytes that precede the first fragment.
func split(buf []byte) [][]byte {
	const marker = "<?xml"
	first := bytes.Index(buf, []byte(marker))
	if first < 0 {
		return nil
	}
	buf = buf[first:]
	var frags [][]byte
	for {
		next := bytes.Index(buf[len(marker):], []byte(marker))
		if next < 0 {
			frags = append(frags, buf)
			break
		}
		next += len(marker)
		frags = append(frags, buf[:next])
		buf = buf[next:]
	}
	return frags
}

// GetResponse flattens the attributes of every <response> element across
// every XML document found in buf, left to right, with later documents'
// attributes overwriting earlier ones on key collision.
func GetResponse(buf []byte) map[string]string {
	out := map[string]string{}
	for _, frag := range split(buf) {
		var doc dataDoc
		if err := xml.Unmarshal(frag, &doc); err != nil {
			continue
		}
		for _, el := range doc.Elements {
			if el.XMLName.Local != "response" {
				continue
			}
			for _, a := range el.Attrs {
				out[a.Name.Local] = a.Value
			}
		}
	}
	return out
}

// GetLog returns the value attribute of every <log> element across every
// XML document found in buf, in file order.
func GetLog(buf []byte) []string {
	var out []string
	for _, frag := range split(buf) {
		var doc dataDoc
		if err := xml.Unmarshal(frag, &doc); err != nil {
			continue
		}
		for _, el := range doc.Elements {
			if el.XMLName.Local != "log" {
				continue
			}
			for _, a := range el.Attrs {
				if a.Name.Local == "value" {
					out = append(out, a.Value)
				}
			}
		}
	}
	return out
}

// ContainsBytes reports whether needle occurs anywhere in haystack. A small
// named wrapper (rather than a bare bytes.Contains call at every use site)
// because the spec names this operation explicitly as a testable property.
func ContainsBytes(needle string, haystack []byte) bool {
	if len(needle) == 0 {
		return false
	}
	return bytes.Contains(haystack, []byte(needle))
}
