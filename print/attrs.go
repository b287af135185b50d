// Package print implements the Print Management workflow: building the film
// session / film box / image box attribute sets and sequencing the N-service
// calls that drive a print job to completion.
package print

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"

	"github.com/dicomtools/printnet/codec"
	"github.com/dicomtools/printnet/types"
)

// Execution status values reported by a print job, PS3.3 C.13.8.
const (
	ExecutionPending  = "PENDING"
	ExecutionPrinting = "PRINTING"
	ExecutionDone     = "DONE"
	ExecutionFailure  = "FAILURE"
)

// FilmSessionParams are the film session attributes sent with N-CREATE.
type FilmSessionParams struct {
	NumberOfCopies  int
	PrintPriority   string // HIGH, MED, LOW
	MediumType      string // PAPER, CLEAR FILM, BLUE FILM
	FilmDestination string
	Label           string
}

// FilmBoxParams are the film box attributes sent with N-CREATE.
type FilmBoxParams struct {
	// ImageDisplayFormat is the layout string, e.g. "STANDARD\2,3" for
	// two columns by three rows.
	ImageDisplayFormat string
	FilmOrientation    string // PORTRAIT, LANDSCAPE
	FilmSizeID         string
	MagnificationType  string
	BorderDensity      string
	Trim               string
}

// Image is one image box payload: the grayscale pixel module set on the box
// at Position (1-based, row-major across the film layout).
type Image struct {
	Position                  int
	Rows                      uint16
	Columns                   uint16
	BitsAllocated             uint16
	BitsStored                uint16
	HighBit                   uint16
	SamplesPerPixel           uint16
	PhotometricInterpretation string
	PixelData                 []byte
}

// ParseImageDisplayFormat parses "STANDARD\C,R" into columns and rows.
func ParseImageDisplayFormat(format string) (columns, rows int, err error) {
	rest, ok := strings.CutPrefix(format, `STANDARD\`)
	if !ok {
		return 0, 0, fmt.Errorf("unsupported image display format %q", format)
	}
	parts := strings.Split(rest, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed image display format %q", format)
	}
	columns, err = strconv.Atoi(parts[0])
	if err == nil {
		rows, err = strconv.Atoi(parts[1])
	}
	if err != nil || columns < 1 || rows < 1 {
		return 0, 0, fmt.Errorf("malformed image display format %q", format)
	}
	return columns, rows, nil
}

func (p *FilmSessionParams) elements() []*dicom.Element {
	copies := p.NumberOfCopies
	if copies < 1 {
		copies = 1
	}
	elements := []*dicom.Element{
		codec.NewElement(dicomtag.NumberOfCopies, strconv.Itoa(copies)),
	}
	if p.PrintPriority != "" {
		elements = append(elements, codec.NewElement(dicomtag.PrintPriority, p.PrintPriority))
	}
	if p.MediumType != "" {
		elements = append(elements, codec.NewElement(dicomtag.MediumType, p.MediumType))
	}
	if p.FilmDestination != "" {
		elements = append(elements, codec.NewElement(dicomtag.FilmDestination, p.FilmDestination))
	}
	if p.Label != "" {
		elements = append(elements, codec.NewElement(dicomtag.FilmSessionLabel, p.Label))
	}
	return elements
}

func (p *FilmBoxParams) elements(sessionUID string) []*dicom.Element {
	elements := []*dicom.Element{
		codec.NewElement(dicomtag.ImageDisplayFormat, p.ImageDisplayFormat),
		codec.Sequence(dicomtag.ReferencedFilmSessionSequence,
			codec.SOPReference(types.BasicFilmSessionSOPClass, sessionUID)),
	}
	if p.FilmOrientation != "" {
		elements = append(elements, codec.NewElement(dicomtag.FilmOrientation, p.FilmOrientation))
	}
	if p.FilmSizeID != "" {
		elements = append(elements, codec.NewElement(dicomtag.FilmSizeID, p.FilmSizeID))
	}
	if p.MagnificationType != "" {
		elements = append(elements, codec.NewElement(dicomtag.MagnificationType, p.MagnificationType))
	}
	if p.BorderDensity != "" {
		elements = append(elements, codec.NewElement(dicomtag.BorderDensity, p.BorderDensity))
	}
	if p.Trim != "" {
		elements = append(elements, codec.NewElement(dicomtag.Trim, p.Trim))
	}
	return elements
}

func (img *Image) elements() []*dicom.Element {
	samples := img.SamplesPerPixel
	if samples == 0 {
		samples = 1
	}
	photometric := img.PhotometricInterpretation
	if photometric == "" {
		photometric = "MONOCHROME2"
	}
	pixelModule := []*dicom.Element{
		codec.NewElement(dicomtag.SamplesPerPixel, samples),
		codec.NewElement(dicomtag.PhotometricInterpretation, photometric),
		codec.NewElement(dicomtag.Rows, img.Rows),
		codec.NewElement(dicomtag.Columns, img.Columns),
		codec.NewElement(dicomtag.BitsAllocated, img.BitsAllocated),
		codec.NewElement(dicomtag.BitsStored, img.BitsStored),
		codec.NewElement(dicomtag.HighBit, img.HighBit),
		codec.NewElement(dicomtag.PixelRepresentation, uint16(0)),
		codec.NewElement(dicomtag.PixelData, dicom.PixelDataInfo{Frames: [][]byte{img.PixelData}}),
	}
	return []*dicom.Element{
		codec.NewElement(dicomtag.ImageBoxPosition, uint16(img.Position)),
		codec.Sequence(dicomtag.BasicGrayscaleImageSequence, pixelModule),
	}
}
