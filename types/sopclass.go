// Package types contains the DICOM UID and DIMSE constants shared by the
// protocol layers.
package types

import "strings"

// Well-known UIDs.
const (
	ApplicationContextUID = "1.2.840.10008.3.1.1.1"

	VerificationSOPClass = "1.2.840.10008.1.1"

	// Query/Retrieve information models
	PatientRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.1.3"
	StudyRootQueryRetrieveInformationModelFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove   = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveInformationModelGet    = "1.2.840.10008.5.1.4.1.2.2.3"

	// Print Management service classes, PS3.4 Annex H
	BasicFilmSessionSOPClass              = "1.2.840.10008.5.1.1.1"
	BasicFilmBoxSOPClass                  = "1.2.840.10008.5.1.1.2"
	BasicGrayscaleImageBoxSOPClass        = "1.2.840.10008.5.1.1.4"
	BasicColorImageBoxSOPClass            = "1.2.840.10008.5.1.1.4.1"
	BasicGrayscalePrintManagementMetaSOP  = "1.2.840.10008.5.1.1.9"
	BasicColorPrintManagementMetaSOPClass = "1.2.840.10008.5.1.1.18"
	PrintJobSOPClass                      = "1.2.840.10008.5.1.1.14"
	PrinterSOPClass                       = "1.2.840.10008.5.1.1.16"

	// Well-known instances, PS3.4 H.6
	PrinterSOPInstance  = "1.2.840.10008.5.1.1.17"
	PrintJobSOPInstance = "1.2.840.10008.5.1.1.14.1"
)

// IsStorageSOPClass reports whether the UID names a composite storage SOP
// class (the 1.2.840.10008.5.1.4.1.1.* family).
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, "1.2.840.10008.5.1.4.1.1.")
}

// IsPrintSOPClass reports whether the UID belongs to the Print Management
// service class family.
func IsPrintSOPClass(uid string) bool {
	switch uid {
	case BasicFilmSessionSOPClass, BasicFilmBoxSOPClass,
		BasicGrayscaleImageBoxSOPClass, BasicColorImageBoxSOPClass,
		BasicGrayscalePrintManagementMetaSOP, BasicColorPrintManagementMetaSOPClass,
		PrintJobSOPClass, PrinterSOPClass:
		return true
	}
	return false
}
