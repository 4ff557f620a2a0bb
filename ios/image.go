package ios

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver"
	log "github.com/sirupsen/logrus"
)

const (
	imageFile     = "DeveloperDiskImage.dmg"
	signatureFile = "DeveloperDiskImage.dmg.signature"
)

// MatchImageVersion picks the entry of available that best fits the device version. An exact match wins,
// otherwise the highest version that is lower than the device version is used. Entries that are no
// valid versions are ignored. It returns an empty string if nothing fits.
func MatchImageVersion(available []string, version string) string {
	requested, err := semver.NewVersion(version)
	if err != nil {
		log.WithField("version", version).WithError(err).Debug("MatchImageVersion: invalid device version")
		return ""
	}
	var bestMatch *semver.Version
	var bestMatchString string
	for _, a := range available {
		parsed, err := semver.NewVersion(strings.Split(a, " (")[0])
		if err != nil {
			continue
		}
		if parsed.Equal(requested) {
			return a
		}
		if parsed.GreaterThan(requested) {
			continue
		}
		if bestMatch == nil || parsed.GreaterThan(bestMatch) {
			bestMatch = parsed
			bestMatchString = a
		}
	}
	log.Debugf("device version: %s bestMatch: %s", version, bestMatchString)
	return bestMatchString
}

// FindDeveloperImage looks for <dir>/<version>/DeveloperDiskImage.dmg and its signature using the
// best version match for the given device version.
func FindDeveloperImage(dir string, version string) (image string, signature string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("FindDeveloperImage: failed reading support image dir: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	match := MatchImageVersion(versions, version)
	if match == "" {
		return "", "", fmt.Errorf("FindDeveloperImage: no image for version %s in %s", version, dir)
	}
	image = filepath.Join(dir, match, imageFile)
	signature = filepath.Join(dir, match, signatureFile)
	for _, p := range []string{image, signature} {
		exists, err := PathExists(p)
		if err != nil {
			return "", "", fmt.Errorf("FindDeveloperImage: %w", err)
		}
		if !exists {
			return "", "", fmt.Errorf("FindDeveloperImage: missing %s", p)
		}
	}
	return image, signature, nil
}

// Launch starts app on the device. If the device reports that no developer image is mounted, a matching
// image from imageDir gets mounted and the launch is retried once. When no image can be found the
// returned error still wraps ErrImageNotMounted.
func Launch(device HostDevice, app App, imageDir string) error {
	err := device.LaunchApplication(app)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrImageNotMounted) {
		return fmt.Errorf("Launch: failed launching %s: %w", app.BundleID, err)
	}
	logger := log.WithField("udid", device.UDID()).WithField("version", device.ProductVersion())
	logger.Info("developer image not mounted, looking for a support image")

	image, sig, findErr := FindDeveloperImage(imageDir, device.ProductVersion())
	if findErr != nil {
		logger.WithError(findErr).Warn("no developer image available")
		return fmt.Errorf("Launch: you need %s and %s imported in support files: %w", imageFile, signatureFile, ErrImageNotMounted)
	}
	if err := device.MountImage(image, sig); err != nil {
		return fmt.Errorf("Launch: failed mounting %s: %w", image, err)
	}
	logger.WithField("image", image).Info("mounted developer image")
	if err := device.LaunchApplication(app); err != nil {
		return fmt.Errorf("Launch: failed launching %s after mounting: %w", app.BundleID, err)
	}
	return nil
}
