package print

import (
	"fmt"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"

	"github.com/dicomtools/printnet/codec"
)

// ImageFromElements builds an image box payload from a parsed DICOM image
// dataset, such as one returned by codec.ReadFile. Position is the 1-based
// slot on the film layout.
func ImageFromElements(elements []*dicom.Element, position int) (Image, error) {
	img := Image{Position: position}

	rows, err := codec.FindUint16(elements, dicomtag.Rows)
	if err != nil {
		return img, fmt.Errorf("image dataset: %w", err)
	}
	columns, err := codec.FindUint16(elements, dicomtag.Columns)
	if err != nil {
		return img, fmt.Errorf("image dataset: %w", err)
	}
	bits, err := codec.FindUint16(elements, dicomtag.BitsAllocated)
	if err != nil {
		return img, fmt.Errorf("image dataset: %w", err)
	}
	img.Rows = rows
	img.Columns = columns
	img.BitsAllocated = bits
	if v, err := codec.FindUint16(elements, dicomtag.BitsStored); err == nil {
		img.BitsStored = v
	}
	if v, err := codec.FindUint16(elements, dicomtag.HighBit); err == nil {
		img.HighBit = v
	}
	if v, err := codec.FindUint16(elements, dicomtag.SamplesPerPixel); err == nil {
		img.SamplesPerPixel = v
	}
	img.PhotometricInterpretation = codec.StringOrDefault(elements, dicomtag.PhotometricInterpretation, "MONOCHROME2")

	for _, e := range elements {
		if e.Tag != dicomtag.PixelData {
			continue
		}
		data, ok := codec.PixelBytes(e)
		if !ok {
			return img, fmt.Errorf("image dataset: empty pixel data")
		}
		img.PixelData = data
		return img, nil
	}
	return img, fmt.Errorf("image dataset: no pixel data")
}
