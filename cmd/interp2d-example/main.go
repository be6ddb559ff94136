package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/twpayne/go-interp2d"
)

const step = 2.5

func run() error {
	geoTIFF := flag.String("geotiff", os.Getenv("INTERP2D_GEOTIFF"), "path to GeoTIFF file")
	srid := flag.Int("srid", 0, "SRID of the GeoTIFF file, if not in the file")
	verbose := flag.Bool("v", false, "verbose")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if flag.NArg() != 2 {
		return errors.New("syntax: interp2d-example latitude longitude")
	}
	lat, err := strconv.ParseFloat(flag.Arg(0), 64)
	if err != nil {
		return err
	}
	lon, err := strconv.ParseFloat(flag.Arg(1), 64)
	if err != nil {
		return err
	}

	if *geoTIFF != "" {
		return runGeoTIFF(*geoTIFF, *srid, lat, lon)
	}
	return runDemo(lat, lon)
}

func runGeoTIFF(path string, srid int, lat, lon float64) error {
	var options []interp2d.ServiceOption
	if srid != 0 {
		options = append(options, interp2d.WithSRID(srid))
	}
	s, err := interp2d.NewService(os.DirFS(filepath.Dir(path)), filepath.Base(path), options...)
	if err != nil {
		return err
	}
	defer s.Close()
	logrus.WithFields(logrus.Fields{
		"path": path,
		"srid": s.SRID(),
	}).Debug("opened GeoTIFF")

	values, err := s.Samples4326(context.Background(), [][]float64{{lon, lat}})
	if err != nil {
		return err
	}
	fmt.Println(values[0])
	return nil
}

// runDemo interpolates f on a global grid with nodes every 2.5 degrees.
func runDemo(lat, lon float64) error {
	nx, ny := int(360/step)+1, int(180/step)+1
	xs := make([]float64, nx)
	for i := range xs {
		xs[i] = deg2Rad(-180 + float64(i)*step)
	}
	ys := make([]float64, ny)
	for j := range ys {
		ys[j] = deg2Rad(-90 + float64(j)*step)
	}
	values := make([][]float64, ny)
	for j, y := range ys {
		values[j] = make([]float64, nx)
		for i, x := range xs {
			values[j][i] = f(x, y)
		}
	}

	interpolator, err := interp2d.New(nx, ny)
	if err != nil {
		return err
	}
	defer interpolator.Destroy()
	if err := interpolator.Initialize(xs, ys, values); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"nx": nx,
		"ny": ny,
	}).Debug("initialized demo grid")

	x, y := deg2Rad(lon), deg2Rad(lat)
	value, err := interpolator.Calculate(x, y)
	if err != nil {
		return err
	}
	analytic := f(x, y)
	logrus.WithFields(logrus.Fields{
		"interpolated": value,
		"analytic":     analytic,
		"error":        math.Abs(value - analytic),
	}).Info("interpolated")
	fmt.Println(value)
	return nil
}

func f(lon, lat float64) float64 {
	return lon * math.Exp(-lon*lon-lat*lat)
}

func deg2Rad(deg float64) float64 {
	return deg * math.Pi / 180
}

func main() {
	if err := run(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
