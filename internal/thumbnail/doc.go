// Package thumbnail renders fixed-size preview images for converted rasters.
//
// The generator never reads full-resolution pixels when the raster carries
// overviews: gdal_translate extracts the smallest overview together with the
// raster's validity mask as a PNG, which is then scaled into the target
// canvas with a Catmull-Rom kernel. A raster whose mask leaves no valid
// pixels fails with an EmptyRaster error.
package thumbnail
