package pilot

import (
	"fmt"
	"strings"
)

// FromResourceURL routes a RESOURCE_URL to a pilot implementation:
//
//	fork://localhost        run subjobs as local child processes
//	docker://image[:tag]    run subjobs as containers of the given image
func FromResourceURL(url string, totalCores, subjobCores int, buffer float64) (Pilot, error) {
	scheme, rest, found := strings.Cut(url, "://")
	if !found {
		return nil, fmt.Errorf("pilot: malformed RESOURCE_URL %q", url)
	}
	switch scheme {
	case "fork":
		return NewLocalPilot(totalCores, subjobCores, buffer), nil
	case "docker":
		if rest == "" {
			return nil, fmt.Errorf("pilot: docker RESOURCE_URL needs an image")
		}
		return NewDockerPilot(rest, totalCores, subjobCores, buffer)
	default:
		return nil, fmt.Errorf("pilot: unsupported RESOURCE_URL scheme %q", scheme)
	}
}
