package camera

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// Settings is the full contents of a tracking settings file.
type Settings struct {
	Camera         CameraSettings    `mapstructure:"Camera"`
	ThDepth        float64           `mapstructure:"ThDepth"`
	DepthMapFactor float64           `mapstructure:"DepthMapFactor"`
	ORBExtractor   ExtractorSettings `mapstructure:"ORBextractor"`
	Manhattan      ManhattanSettings `mapstructure:"Manhattan"`
}

// CameraSettings is the Camera.* block of the settings file.
type CameraSettings struct {
	Fx  float64 `mapstructure:"fx"`
	Fy  float64 `mapstructure:"fy"`
	Cx  float64 `mapstructure:"cx"`
	Cy  float64 `mapstructure:"cy"`
	K1  float64 `mapstructure:"k1"`
	K2  float64 `mapstructure:"k2"`
	P1  float64 `mapstructure:"p1"`
	P2  float64 `mapstructure:"p2"`
	K3  float64 `mapstructure:"k3"`
	Bf  float64 `mapstructure:"bf"`
	FPS float64 `mapstructure:"fps"`
	RGB int     `mapstructure:"RGB"`

	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// ExtractorSettings is the ORBextractor.* block of the settings file.
type ExtractorSettings struct {
	NFeatures   int     `mapstructure:"nFeatures"`
	ScaleFactor float64 `mapstructure:"scaleFactor"`
	NLevels     int     `mapstructure:"nLevels"`
	IniThFAST   int     `mapstructure:"iniThFAST"`
	MinThFAST   int     `mapstructure:"minThFAST"`
}

// ManhattanSettings is the Manhattan.* block of the settings file.
type ManhattanSettings struct {
	VerTh float64 `mapstructure:"verTh"`
	DisTh float64 `mapstructure:"disTh"`
}

// LoadSettings reads a line-oriented "Key.Sub: value" settings file.
// Missing or invalid required keys are fatal here, never during streaming.
func LoadSettings(path string) (*Settings, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening settings file")
	}
	defer goutils.UncheckedErrorFunc(f.Close)

	raw := map[string]interface{}{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "%") {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		insertDotted(raw, key, parseScalar(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "error reading settings file")
	}

	var s Settings
	if err := mapstructure.Decode(raw, &s); err != nil {
		return nil, errors.Wrap(err, "error decoding settings")
	}
	if err := s.Validate(path); err != nil {
		return nil, err
	}
	return &s, nil
}

func insertDotted(m map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		sub, ok := m[p].(map[string]interface{})
		if !ok {
			sub = map[string]interface{}{}
			m[p] = sub
		}
		m = sub
	}
	m[parts[len(parts)-1]] = value
}

func parseScalar(s string) interface{} {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Validate ensures all required parts of the settings are present and sane.
func (s *Settings) Validate(path string) error {
	var err error
	if s.Camera.Fx <= 0 || s.Camera.Fy <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.New("Camera.fx and Camera.fy must be > 0")))
	}
	if s.Camera.Cx <= 0 || s.Camera.Cy <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.New("Camera.cx and Camera.cy must be > 0")))
	}
	if s.Camera.Bf <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "Camera.bf"))
	}
	if s.Camera.FPS <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "Camera.fps"))
	}
	if s.Camera.RGB != 0 && s.Camera.RGB != 1 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.New("Camera.RGB must be 0 or 1")))
	}
	if s.ThDepth <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "ThDepth"))
	}
	if s.DepthMapFactor == 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "DepthMapFactor"))
	}
	if s.ORBExtractor.NFeatures <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "ORBextractor.nFeatures"))
	}
	if s.ORBExtractor.ScaleFactor <= 1 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.New("ORBextractor.scaleFactor must be > 1")))
	}
	if s.ORBExtractor.NLevels < 1 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.New("ORBextractor.nLevels must be >= 1")))
	}
	if s.ORBExtractor.IniThFAST <= 0 || s.ORBExtractor.MinThFAST <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.New("FAST thresholds must be > 0")))
	}
	if s.Manhattan.VerTh <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "Manhattan.verTh"))
	}
	if s.Manhattan.DisTh <= 0 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "Manhattan.disTh"))
	}
	return err
}

// Intrinsics builds the camera intrinsics from the settings.
func (s *Settings) Intrinsics() *Intrinsics {
	return &Intrinsics{
		Width:  s.Camera.Width,
		Height: s.Camera.Height,
		Fx:     s.Camera.Fx,
		Fy:     s.Camera.Fy,
		Ppx:    s.Camera.Cx,
		Ppy:    s.Camera.Cy,
		Bf:     s.Camera.Bf,
	}
}

// Distortion builds the distortion model from the settings.
func (s *Settings) Distortion() *BrownConrady {
	return &BrownConrady{
		K1: s.Camera.K1,
		K2: s.Camera.K2,
		P1: s.Camera.P1,
		P2: s.Camera.P2,
		K3: s.Camera.K3,
	}
}

// ColorOrder returns the configured channel order of incoming color frames.
func (s *Settings) ColorOrder() ColorOrder {
	if s.Camera.RGB == 1 {
		return OrderRGB
	}
	return OrderBGR
}
