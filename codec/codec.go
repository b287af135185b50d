// Package codec encodes and decodes DICOM datasets for transport. The
// network layers treat datasets as opaque bytes; this package is the single
// place that binds them to a concrete DICOM implementation.
package codec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
)

// Encode serializes elements under the given transfer syntax, in ascending
// tag order.
func Encode(elements []*dicom.Element, transferSyntaxUID string) ([]byte, error) {
	sorted := make([]*dicom.Element, len(elements))
	copy(sorted, elements)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Tag.Compare(sorted[j].Tag) < 0
	})

	encoder := dicomio.NewBytesEncoderWithTransferSyntax(transferSyntaxUID)
	for _, element := range sorted {
		dicom.WriteElement(encoder, element)
	}
	if err := encoder.Error(); err != nil {
		return nil, fmt.Errorf("encoding dataset: %w", err)
	}
	return encoder.Bytes(), nil
}

// Decode parses a serialized dataset under the given transfer syntax.
func Decode(data []byte, transferSyntaxUID string) ([]*dicom.Element, error) {
	byteOrder, implicit, err := dicomio.ParseTransferSyntaxUID(transferSyntaxUID)
	if err != nil {
		return nil, fmt.Errorf("unknown transfer syntax %s: %w", transferSyntaxUID, err)
	}
	decoder := dicomio.NewBytesDecoder(data, byteOrder, implicit)

	var elements []*dicom.Element
	for !decoder.EOF() {
		element := dicom.ReadElement(decoder, dicom.ReadOptions{})
		if decoder.Error() != nil {
			break
		}
		elements = append(elements, element)
	}
	if err := decoder.Finish(); err != nil {
		return nil, fmt.Errorf("decoding dataset: %w", err)
	}
	return elements, nil
}

// NewElement creates an element with autodetected VR. The value types must
// match what the tag's VR expects.
func NewElement(tag dicomtag.Tag, values ...interface{}) *dicom.Element {
	return &dicom.Element{
		Tag:   tag,
		VR:    "",
		Value: values,
	}
}

// FindString extracts the string value of tag from elements.
func FindString(elements []*dicom.Element, tag dicomtag.Tag) (string, error) {
	for _, element := range elements {
		if element.Tag == tag {
			// The decoder splits multi-valued strings on backslash; rejoin
			// so values like "STANDARD\2,1" round-trip intact.
			values, err := element.GetStrings()
			if err != nil {
				return "", err
			}
			return strings.Join(values, `\`), nil
		}
	}
	return "", fmt.Errorf("element %s not present", dicomtag.DebugString(tag))
}

// FindUint16 extracts the uint16 value of tag from elements.
func FindUint16(elements []*dicom.Element, tag dicomtag.Tag) (uint16, error) {
	for _, element := range elements {
		if element.Tag == tag {
			return element.GetUInt16()
		}
	}
	return 0, fmt.Errorf("element %s not present", dicomtag.DebugString(tag))
}

// StringOrDefault extracts a string value, falling back when absent.
func StringOrDefault(elements []*dicom.Element, tag dicomtag.Tag, fallback string) string {
	if v, err := FindString(elements, tag); err == nil {
		return v
	}
	return fallback
}
