package ntfs

import "unicode/utf16"

// utf16Decode decodes UTF-16LE code units, as used throughout NTFS on-disk
// names. NTFS names are not guaranteed valid UTF-16 (lone surrogates are
// legal in Windows filenames); utf16.Decode substitutes the replacement
// character for those, which is an accepted lossy edge case here since
// there is no third-party library in this stack for lenient UTF-16 decode.
func utf16Decode(units []uint16) string {
	return string(utf16.Decode(units))
}
