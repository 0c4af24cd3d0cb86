package exfat

import "github.com/mofeng-git/One-KVM-sub001/internal/errutil"

var (
	errShortBootSector = errutil.New("exfat: boot sector shorter than 512 bytes")
	errBadSignature    = errutil.New("exfat: missing EXFAT signature")
	errNoFreeClusters  = errutil.New("exfat: not enough free clusters")
	errChainCorrupt    = errutil.New("exfat: cluster chain exceeds cluster_count, possibly corrupt")
	errNoFreeDirSlot   = errutil.New("exfat: could not find or create a free directory slot")
	errNotDirectory    = errutil.New("exfat: path component is not a directory")
	errNotFound        = errutil.New("exfat: path not found")
	errAlreadyExists   = errutil.New("exfat: path already exists")
	errAlreadyFinished = errutil.New("exfat: stream writer already finished")
	errBadWhence       = errutil.New("exfat: invalid seek whence or negative offset")
)
