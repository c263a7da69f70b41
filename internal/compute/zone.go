package compute

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidZone is returned for strings that are not availability zone names.
var ErrInvalidZone = errors.New("invalid availability zone")

var availabilityZoneRe = regexp.MustCompile(`^([a-z]{2}-[a-z]+-[1-9][0-9]*)([a-z])$`)

// ZoneToRegion returns the region of an availability zone, e.g. us-west-2
// for us-west-2c.
func ZoneToRegion(zone string) (string, error) {
	m := availabilityZoneRe.FindStringSubmatch(zone)
	if m == nil {
		return "", fmt.Errorf("%w: can't extract region from availability zone '%s'", ErrInvalidZone, zone)
	}
	return m[1], nil
}
