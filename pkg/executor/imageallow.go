package executor

import "strings"

// DefaultAllowedRegistryPrefixes are the hard-coded publisher prefixes
// a submitted container image must start under (spec.md 4.H.5). The
// match is a plain string-prefix test against the full image
// reference, including tag -- the same ambiguity the original left
// unresolved around whether a prefix match should also require a "/"
// boundary is preserved here rather than silently tightened.
var DefaultAllowedRegistryPrefixes = []string{
	"freesurfer/",
	"fsl/",
	"ants/",
	"mrtrix3/",
	"bids/",
	"docker.io/freesurfer/",
	"docker.io/fsl/",
	"ghcr.io/neuroinsight/",
}

// IsAllowedImage reports whether image starts with one of the allowed
// registry prefixes.
func IsAllowedImage(image string, allowed []string) bool {
	for _, prefix := range allowed {
		if strings.HasPrefix(image, prefix) {
			return true
		}
	}
	return false
}
