package calib

import (
	"fmt"
	"image"
	"os"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"
)

// File is the on-disk calibration format. Omitted sections keep the
// defaults of the rig being overridden.
type File struct {
	ImageSize  []int         `yaml:"image_size"`
	AxisOrder  string        `yaml:"axis_order"`
	PixelScale []float64     `yaml:"pixel_scale"`
	Cameras    []CameraEntry `yaml:"cameras"`
	Stereo     *StereoEntry  `yaml:"stereo"`
}

type CameraEntry struct {
	Intrinsic  [][]float64 `yaml:"intrinsic"`
	Distortion []float64   `yaml:"distortion"`
}

type StereoEntry struct {
	Rotation    [][]float64 `yaml:"rotation"`
	Translation []float64   `yaml:"translation"`
}

// LoadFile reads a calibration file and applies it over base.
func LoadFile(path string, base Rig) (Rig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rig{}, fmt.Errorf("calibration load failed (%s): %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Rig{}, fmt.Errorf("calibration parse failed (%s): %w", path, err)
	}
	rig, err := f.Apply(base)
	if err != nil {
		return Rig{}, fmt.Errorf("calibration invalid (%s): %w", path, err)
	}
	return rig, nil
}

// Apply overlays the file on base and rebuilds the derived camera data.
func (f File) Apply(base Rig) (Rig, error) {
	size := base.Camera(0).Size()
	if len(f.ImageSize) > 0 {
		if len(f.ImageSize) != 2 || f.ImageSize[0] < 2 || f.ImageSize[1] < 2 {
			return Rig{}, fmt.Errorf("image_size must be [width, height], got %v", f.ImageSize)
		}
		size = image.Pt(f.ImageSize[0], f.ImageSize[1])
	}

	var cams [2]Camera
	for i := range cams {
		k := base.Camera(i).Intrinsic()
		d := base.Camera(i).Distortion()
		if i < len(f.Cameras) {
			entry := f.Cameras[i]
			if entry.Intrinsic != nil {
				m, err := toMat3(entry.Intrinsic)
				if err != nil {
					return Rig{}, fmt.Errorf("cameras[%d].intrinsic: %w", i, err)
				}
				k = m
			}
			if entry.Distortion != nil {
				if len(entry.Distortion) != len(d) {
					return Rig{}, fmt.Errorf("cameras[%d].distortion needs %d coefficients, got %d", i, len(d), len(entry.Distortion))
				}
				copy(d[:], entry.Distortion)
			}
		}
		cams[i] = NewCamera(k, d, size)
	}
	if len(f.Cameras) > 2 {
		return Rig{}, fmt.Errorf("only two cameras are supported, got %d", len(f.Cameras))
	}

	rotation := base.Rotation()
	translation := base.Translation()
	if f.Stereo != nil {
		if f.Stereo.Rotation != nil {
			m, err := toMat3(f.Stereo.Rotation)
			if err != nil {
				return Rig{}, fmt.Errorf("stereo.rotation: %w", err)
			}
			rotation = m
		}
		if f.Stereo.Translation != nil {
			if len(f.Stereo.Translation) != 3 {
				return Rig{}, fmt.Errorf("stereo.translation needs 3 values, got %d", len(f.Stereo.Translation))
			}
			translation = r3.Vector{X: f.Stereo.Translation[0], Y: f.Stereo.Translation[1], Z: f.Stereo.Translation[2]}
		}
	}

	opts := RigOptions{AxisOrder: base.AxisOrder(), PixelScale: base.PixelScale()}
	if f.AxisOrder != "" {
		opts.AxisOrder = AxisOrder(f.AxisOrder)
	}
	if len(f.PixelScale) > 0 {
		if len(f.PixelScale) != 2 {
			return Rig{}, fmt.Errorf("pixel_scale must be [x, y], got %v", f.PixelScale)
		}
		opts.PixelScale = [2]float64{f.PixelScale[0], f.PixelScale[1]}
	}
	return NewRig(cams[0], cams[1], rotation, translation, opts)
}

func toMat3(rows [][]float64) (Mat3, error) {
	var m Mat3
	if len(rows) != 3 {
		return m, fmt.Errorf("expected 3 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if len(row) != 3 {
			return m, fmt.Errorf("row %d: expected 3 values, got %d", i, len(row))
		}
		copy(m[i][:], row)
	}
	return m, nil
}
