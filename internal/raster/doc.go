// Package raster converts raw uploads into Cloud-Optimized GeoTIFFs using the
// GDAL command line tools.
//
// Convert inspects the input with gdalinfo, reprojects it with gdalwarp when
// its CRS differs from the configured target, and writes the final COG with
// gdal_translate. The resampling method is chosen from the declared raster
// Kind: continuous imagery uses the configured smooth kernel while
// categorical label rasters always use nearest neighbour.
//
// Overview levels are powers of two, added until the smallest level fits the
// configured pixel budget on its long edge.
package raster
