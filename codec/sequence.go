package codec

import (
	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
)

// Sequence builds a sequence element. Each items entry becomes one sequence
// item holding the given elements.
func Sequence(tag dicomtag.Tag, items ...[]*dicom.Element) *dicom.Element {
	value := make([]interface{}, len(items))
	for i, item := range items {
		values := make([]interface{}, len(item))
		for j, e := range item {
			values[j] = e
		}
		value[i] = &dicom.Element{Tag: dicomtag.Item, Value: values}
	}
	return &dicom.Element{Tag: tag, VR: "SQ", UndefinedLength: true, Value: value}
}

// SequenceItems returns the nested elements of each item in a sequence
// element.
func SequenceItems(sequence *dicom.Element) [][]*dicom.Element {
	var items [][]*dicom.Element
	for _, v := range sequence.Value {
		item, ok := v.(*dicom.Element)
		if !ok {
			continue
		}
		nested := make([]*dicom.Element, 0, len(item.Value))
		for _, nv := range item.Value {
			if e, ok := nv.(*dicom.Element); ok {
				nested = append(nested, e)
			}
		}
		items = append(items, nested)
	}
	return items
}

// SOPReference builds the element pair of one referenced SOP item.
func SOPReference(classUID, instanceUID string) []*dicom.Element {
	return []*dicom.Element{
		NewElement(dicomtag.ReferencedSOPClassUID, classUID),
		NewElement(dicomtag.ReferencedSOPInstanceUID, instanceUID),
	}
}

// ReferencedInstanceUIDs extracts the ReferencedSOPInstanceUID of every item
// in the named sequence, e.g. the image boxes referenced by a film box.
func ReferencedInstanceUIDs(elements []*dicom.Element, sequenceTag dicomtag.Tag) []string {
	var uids []string
	for _, element := range elements {
		if element.Tag != sequenceTag {
			continue
		}
		for _, item := range SequenceItems(element) {
			if uid, err := FindString(item, dicomtag.ReferencedSOPInstanceUID); err == nil {
				uids = append(uids, uid)
			}
		}
	}
	return uids
}
