package types

// Transfer syntax UIDs the network layers care about. Anything else is
// negotiated opaquely and handed to the dataset codec.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// DefaultTransferSyntaxes is the preference list proposed when a caller does
// not supply one. Order matters: the first mutually supported entry wins.
var DefaultTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}

// IsUncompressedTransferSyntax reports whether the UID is one of the plain
// uncompressed encodings.
func IsUncompressedTransferSyntax(uid string) bool {
	switch uid {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian:
		return true
	}
	return false
}
