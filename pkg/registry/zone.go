package registry

// Zone is the region of a plot a series was dropped on.
type Zone string

const (
	ZoneCenter Zone = "center"
	ZoneLeft   Zone = "left"
	ZoneRight  Zone = "right"
	ZoneTop    Zone = "top"
	ZoneBottom Zone = "bottom"
)

// EdgeFraction is the share of each axis taken by an edge band.
const EdgeFraction = 0.25

// ParseZone returns the zone named s, or false.
func ParseZone(s string) (Zone, bool) {
	switch z := Zone(s); z {
	case ZoneCenter, ZoneLeft, ZoneRight, ZoneTop, ZoneBottom:
		return z, true
	}
	return "", false
}

// ClassifyDrop maps a point relative to a width x height target to a zone.
// Points in both a horizontal and a vertical band go to the nearer edge.
func ClassifyDrop(x, y, width, height float64) Zone {
	if width <= 0 || height <= 0 {
		return ZoneCenter
	}
	rx, ry := x/width, y/height

	left, right := rx < EdgeFraction, rx > 1-EdgeFraction
	top, bottom := ry < EdgeFraction, ry > 1-EdgeFraction
	if !left && !right && !top && !bottom {
		return ZoneCenter
	}

	// distance into the band, as a fraction of the axis
	dx, dy := 1.0, 1.0
	if left {
		dx = rx
	} else if right {
		dx = 1 - rx
	}
	if top {
		dy = ry
	} else if bottom {
		dy = 1 - ry
	}

	if dx <= dy {
		if left {
			return ZoneLeft
		}
		return ZoneRight
	}
	if top {
		return ZoneTop
	}
	return ZoneBottom
}

// Direction returns the split direction for an edge zone.
func (z Zone) Direction() Direction {
	if z == ZoneTop || z == ZoneBottom {
		return DirectionColumn
	}
	return DirectionRow
}

// NewFirst reports whether the new plot goes before the target.
func (z Zone) NewFirst() bool {
	return z == ZoneLeft || z == ZoneTop
}
