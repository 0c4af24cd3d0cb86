package ventoy

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
)

const (
	bootImgName       = "boot.img"
	coreImgName       = "core.img"
	ventoyDiskImgName = "ventoy.disk.img"
)

// resourceCache holds the bootloader payload files loaded once from disk
// and reused across every image Create call. These are large (core.img
// is roughly 1 MiB, ventoy.disk.img roughly 32 MiB) binary blobs shipped
// alongside the appliance, not generated by this package.
type resourceCache struct {
	bootImg       []byte
	coreImg       []byte
	ventoyDiskImg []byte
}

var (
	resourcesOnce sync.Once
	resources     *resourceCache
	resourcesErr  error
)

// InitResources loads boot.img, core.img, and ventoy.disk.img from dir.
// It is idempotent: later calls are no-ops once resources are loaded
// (even if dir differs), matching the reference loader's
// once-process-lifetime cache.
func InitResources(dir string) error {
	resourcesOnce.Do(func() {
		resources, resourcesErr = loadResources(dir)
	})
	return resourcesErr
}

// IsInitialized reports whether InitResources has successfully run.
func IsInitialized() bool {
	return resources != nil
}

func loadResources(dir string) (*resourceCache, error) {
	bootPath := filepath.Join(dir, bootImgName)
	corePath := filepath.Join(dir, coreImgName)
	diskPath := filepath.Join(dir, ventoyDiskImgName)

	for _, p := range []string{bootPath, corePath, diskPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, errutil.Errorf("ventoy: resource not found: %s", p)
		}
	}

	bootImg, err := os.ReadFile(bootPath)
	if err != nil {
		return nil, errutil.Wrapf(err, "read %s failed", bootPath)
	}
	if len(bootImg) != sectorSize {
		return nil, errutil.Errorf("ventoy: boot.img has invalid size %d bytes, want %d", len(bootImg), sectorSize)
	}
	coreImg, err := os.ReadFile(corePath)
	if err != nil {
		return nil, errutil.Wrapf(err, "read %s failed", corePath)
	}
	diskImg, err := os.ReadFile(diskPath)
	if err != nil {
		return nil, errutil.Wrapf(err, "read %s failed", diskPath)
	}

	return &resourceCache{bootImg: bootImg, coreImg: coreImg, ventoyDiskImg: diskImg}, nil
}

func getBootImg() ([]byte, error) {
	if resources == nil {
		return nil, errutil.New("ventoy: resources not initialized; call InitResources first")
	}
	return resources.bootImg, nil
}

func getCoreImg() ([]byte, error) {
	if resources == nil {
		return nil, errutil.New("ventoy: resources not initialized; call InitResources first")
	}
	return resources.coreImg, nil
}

func getVentoyDiskImg() ([]byte, error) {
	if resources == nil {
		return nil, errutil.New("ventoy: resources not initialized; call InitResources first")
	}
	return resources.ventoyDiskImg, nil
}

// ResourceDir returns the conventional resource directory ({dataDir}/ventoy).
func ResourceDir(dataDir string) string {
	return filepath.Join(dataDir, "ventoy")
}

// RequiredFiles lists the file names InitResources expects to find.
func RequiredFiles() []string {
	return []string{bootImgName, coreImgName, ventoyDiskImgName}
}
