package raster

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// BBox is a geographic bounding box in WGS84 degrees.
type BBox struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// IsZero reports whether the box has no extent.
func (b BBox) IsZero() bool {
	return b.MaxX <= b.MinX || b.MaxY <= b.MinY
}

// Info is the subset of gdalinfo output the pipeline relies on.
type Info struct {
	Driver    string
	Width     int
	Height    int
	WKT       string
	EPSG      int
	Bands     int
	BandType  string
	NoData    *float64
	BlockSize [2]int
	PixelSize [2]float64
	BBox      BBox
	Overviews [][2]int
	Layout    string
	HasAlpha  bool
}

// HasCRS reports whether gdalinfo detected a coordinate reference system.
func (i *Info) HasCRS() bool {
	return strings.TrimSpace(i.WKT) != "" || i.EPSG > 0
}

// CRS returns the EPSG code as "EPSG:n" when known.
func (i *Info) CRS() string {
	if i.EPSG > 0 {
		return fmt.Sprintf("EPSG:%d", i.EPSG)
	}
	return ""
}

// LongEdge returns the larger of width and height.
func (i *Info) LongEdge() int {
	if i.Width > i.Height {
		return i.Width
	}
	return i.Height
}

// SmallestOverview returns the lowest-resolution overview size, or the full
// size when the raster has no overviews.
func (i *Info) SmallestOverview() (int, [2]int) {
	if len(i.Overviews) == 0 {
		return -1, [2]int{i.Width, i.Height}
	}
	idx := len(i.Overviews) - 1
	for j, ov := range i.Overviews {
		if ov[0]*ov[1] < i.Overviews[idx][0]*i.Overviews[idx][1] {
			idx = j
		}
	}
	return idx, i.Overviews[idx]
}

type gdalInfoJSON struct {
	DriverShortName  string    `json:"driverShortName"`
	Size             []int     `json:"size"`
	GeoTransform     []float64 `json:"geoTransform"`
	CoordinateSystem struct {
		WKT string `json:"wkt"`
	} `json:"coordinateSystem"`
	CornerCoordinates map[string][]float64 `json:"cornerCoordinates"`
	WGS84Extent       struct {
		Coordinates [][][]float64 `json:"coordinates"`
	} `json:"wgs84Extent"`
	Metadata map[string]map[string]string `json:"metadata"`
	Stac     map[string]json.RawMessage   `json:"stac"`
	Bands    []struct {
		Band                int      `json:"band"`
		Block               []int    `json:"block"`
		Type                string   `json:"type"`
		NoDataValue         *float64 `json:"noDataValue"`
		ColorInterpretation string   `json:"colorInterpretation"`
		Overviews           []struct {
			Size []int `json:"size"`
		} `json:"overviews"`
	} `json:"bands"`
}

var (
	wktEPSGPattern    = regexp.MustCompile(`ID\["EPSG",\s*(\d+)\]\]\s*$`)
	legacyEPSGPattern = regexp.MustCompile(`AUTHORITY\["EPSG",\s*"(\d+)"\]\]\s*$`)
)

// ParseInfo decodes `gdalinfo -json` output.
func ParseInfo(data []byte) (*Info, error) {
	var raw gdalInfoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode gdalinfo json: %w", err)
	}

	info := &Info{
		Driver: raw.DriverShortName,
		WKT:    strings.TrimSpace(raw.CoordinateSystem.WKT),
		Bands:  len(raw.Bands),
	}
	if len(raw.Size) == 2 {
		info.Width, info.Height = raw.Size[0], raw.Size[1]
	}
	if len(raw.GeoTransform) == 6 {
		info.PixelSize = [2]float64{raw.GeoTransform[1], math.Abs(raw.GeoTransform[5])}
	}
	info.EPSG = parseEPSG(raw.Stac, info.WKT)
	if structure, ok := raw.Metadata["IMAGE_STRUCTURE"]; ok {
		info.Layout = structure["LAYOUT"]
	}
	info.BBox = extentBBox(raw.WGS84Extent.Coordinates)
	if info.BBox.IsZero() {
		info.BBox = cornerBBox(raw.CornerCoordinates)
	}

	if len(raw.Bands) > 0 {
		first := raw.Bands[0]
		info.BandType = first.Type
		info.NoData = first.NoDataValue
		if len(first.Block) == 2 {
			info.BlockSize = [2]int{first.Block[0], first.Block[1]}
		}
		for _, ov := range first.Overviews {
			if len(ov.Size) == 2 {
				info.Overviews = append(info.Overviews, [2]int{ov.Size[0], ov.Size[1]})
			}
		}
	}
	for _, band := range raw.Bands {
		if strings.EqualFold(band.ColorInterpretation, "Alpha") {
			info.HasAlpha = true
		}
	}
	return info, nil
}

func parseEPSG(stac map[string]json.RawMessage, wkt string) int {
	if rawCode, ok := stac["proj:epsg"]; ok {
		var code int
		if err := json.Unmarshal(rawCode, &code); err == nil && code > 0 {
			return code
		}
	}
	for _, pattern := range []*regexp.Regexp{wktEPSGPattern, legacyEPSGPattern} {
		if m := pattern.FindStringSubmatch(wkt); len(m) == 2 {
			if code, err := strconv.Atoi(m[1]); err == nil {
				return code
			}
		}
	}
	return 0
}

func extentBBox(rings [][][]float64) BBox {
	if len(rings) == 0 || len(rings[0]) == 0 {
		return BBox{}
	}
	box := BBox{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, pt := range rings[0] {
		if len(pt) < 2 {
			continue
		}
		box.MinX = math.Min(box.MinX, pt[0])
		box.MaxX = math.Max(box.MaxX, pt[0])
		box.MinY = math.Min(box.MinY, pt[1])
		box.MaxY = math.Max(box.MaxY, pt[1])
	}
	if math.IsInf(box.MinX, 0) {
		return BBox{}
	}
	return box
}

func cornerBBox(corners map[string][]float64) BBox {
	ul, lr := corners["upperLeft"], corners["lowerRight"]
	if len(ul) < 2 || len(lr) < 2 {
		return BBox{}
	}
	return BBox{
		MinX: math.Min(ul[0], lr[0]),
		MaxX: math.Max(ul[0], lr[0]),
		MinY: math.Min(ul[1], lr[1]),
		MaxY: math.Max(ul[1], lr[1]),
	}
}
