package main

import (
	"flag"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"stereo-track-go/internal/calib"
	"stereo-track-go/internal/triangulate"
	"stereo-track-go/internal/types"
)

func main() {
	calibFile := flag.String("calibration", "", "YAML calibration file (defaults to the built-in rig)")
	box0 := flag.String("box0", "", "Camera 0 box as xmin,ymin,xmax,ymax")
	box1 := flag.String("box1", "", "Camera 1 box as xmin,ymin,xmax,ymax")
	axis := flag.String("axis-order", "", "Override axis order (xy or yx)")
	rectified := flag.String("rectified", "", "Treat boxes as rectified-frame pixels for input size WxH (e.g. 324x576)")
	flag.Parse()

	if *box0 == "" || *box1 == "" {
		log.Fatal("missing -box0 or -box1")
	}

	rig := calib.DefaultRig()
	if *calibFile != "" {
		loaded, err := calib.LoadFile(*calibFile, rig)
		if err != nil {
			log.Fatalf("calibration: %v", err)
		}
		rig = loaded
	}
	if *axis != "" {
		var err error
		rig, err = calib.NewRig(rig.Camera(0), rig.Camera(1), rig.Rotation(), rig.Translation(),
			calib.RigOptions{AxisOrder: calib.AxisOrder(*axis), PixelScale: rig.PixelScale()})
		if err != nil {
			log.Fatalf("axis order: %v", err)
		}
	}
	if *rectified != "" {
		size, err := parseSize(*rectified)
		if err != nil {
			log.Fatalf("rectified: %v", err)
		}
		rig = rig.Rectified([2]image.Point{size, size})
	}

	b0, err := parseBox(*box0)
	if err != nil {
		log.Fatalf("box0: %v", err)
	}
	b1, err := parseBox(*box1)
	if err != nil {
		log.Fatalf("box1: %v", err)
	}

	if err := report(os.Stdout, b0, b1, rig); err != nil {
		os.Exit(1)
	}
}

// report prints the centers fed to the DLT, the point and its distance.
// A failed triangulation is reported and shown at the origin, the way the
// tracker's display falls back.
func report(w io.Writer, b0, b1 types.BoundingBox, rig calib.Rig) error {
	c0 := triangulate.Center(&b0, rig)
	c1 := triangulate.Center(&b1, rig)
	fmt.Fprintf(w, "axis order: %s\n", rig.AxisOrder())
	fmt.Fprintf(w, "center 0: (%.2f, %.2f)\n", c0[0], c0[1])
	fmt.Fprintf(w, "center 1: (%.2f, %.2f)\n", c1[0], c1[1])

	point, err := triangulate.Triangulate(&b0, &b1, rig)
	if err != nil {
		fmt.Fprintf(w, "triangulate: %v\n", err)
	}
	point = triangulate.OrDefault(point, err)
	fmt.Fprintf(w, "point: x=%.4f y=%.4f z=%.4f\n", point.X, point.Y, point.Z)
	fmt.Fprintf(w, "distance: %.1f cm\n", point.Norm()*100)
	if err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		if u, v, ok := triangulate.Project(rig, i, point); ok {
			fmt.Fprintf(w, "reprojection %d: (%.2f, %.2f)\n", i, u, v)
		}
	}
	return nil
}

func parseBox(raw string) (types.BoundingBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return types.BoundingBox{}, fmt.Errorf("want 4 values, got %d", len(parts))
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return types.BoundingBox{}, err
		}
		v[i] = n
	}
	return types.BoundingBox{XMin: v[0], YMin: v[1], XMax: v[2], YMax: v[3], Confidence: 1}, nil
}

func parseSize(raw string) (image.Point, error) {
	w, h, ok := strings.Cut(raw, "x")
	if !ok {
		return image.Point{}, fmt.Errorf("want WxH, got %q", raw)
	}
	x, err := strconv.Atoi(w)
	if err != nil {
		return image.Point{}, err
	}
	y, err := strconv.Atoi(h)
	if err != nil {
		return image.Point{}, err
	}
	return image.Pt(x, y), nil
}
