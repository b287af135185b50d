package codec

import (
	"fmt"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
)

// ReadFile parses a DICOM part-10 file into its element list, file meta
// group included.
func ReadFile(path string) ([]*dicom.Element, error) {
	ds, err := dicom.ReadDataSetFromFile(path, dicom.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ds.Elements, nil
}

// ReadBytes parses an in-memory DICOM part-10 file into its element list.
func ReadBytes(data []byte) ([]*dicom.Element, error) {
	ds, err := dicom.ReadDataSetInBytes(data, dicom.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("reading dataset: %w", err)
	}
	return ds.Elements, nil
}

// PixelBytes returns the raw pixel data carried by a PixelData element,
// concatenating frames when the value is framed.
func PixelBytes(e *dicom.Element) ([]byte, bool) {
	if e.Tag != dicomtag.PixelData || len(e.Value) == 0 {
		return nil, false
	}
	switch v := e.Value[0].(type) {
	case []byte:
		return v, len(v) > 0
	case dicom.PixelDataInfo:
		var data []byte
		for _, frame := range v.Frames {
			data = append(data, frame...)
		}
		return data, len(data) > 0
	}
	return nil, false
}
