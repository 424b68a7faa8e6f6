package provider

import (
	"fmt"
	"math/bits"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// KernelCategory is the EVENT_TRACE_FLAG_* bitmask that selects event groups
// on the NT Kernel Logger session.
type KernelCategory uint32

// https://learn.microsoft.com/en-us/windows/win32/etw/nt-kernel-logger-constants
const (
	KernelProcess    KernelCategory = 0x00000001
	KernelThread     KernelCategory = 0x00000002
	KernelImageLoad  KernelCategory = 0x00000004
	KernelDPC        KernelCategory = 0x00000020
	KernelInterrupt  KernelCategory = 0x00000040
	KernelSystemCall KernelCategory = 0x00000080
	KernelDiskIO     KernelCategory = 0x00000100
	KernelDiskFileIO KernelCategory = 0x00000200
	KernelPageFault  KernelCategory = 0x00001000
	KernelHardFault  KernelCategory = 0x00002000
	KernelNetwork    KernelCategory = 0x00010000 // TCP/IP and UDP/IP
	KernelRegistry   KernelCategory = 0x00020000
	KernelSplitIO    KernelCategory = 0x00200000
	KernelFileIO     KernelCategory = 0x02000000
	KernelFileIOInit KernelCategory = 0x04000000

	// KernelAllBasic is the default set for a kernel session.
	KernelAllBasic = KernelProcess | KernelThread | KernelImageLoad
)

var kernelCategoryNames = []struct {
	name string
	cat  KernelCategory
}{
	{"process", KernelProcess},
	{"thread", KernelThread},
	{"image_load", KernelImageLoad},
	{"dpc", KernelDPC},
	{"interrupt", KernelInterrupt},
	{"syscall", KernelSystemCall},
	{"disk_io", KernelDiskIO},
	{"disk_file_io", KernelDiskFileIO},
	{"page_fault", KernelPageFault},
	{"hard_fault", KernelHardFault},
	{"network", KernelNetwork},
	{"registry", KernelRegistry},
	{"split_io", KernelSplitIO},
	{"file_io", KernelFileIO},
	{"file_io_init", KernelFileIOInit},
}

// KernelCategoryNames lists accepted category names in bit order.
func KernelCategoryNames() []string {
	names := make([]string, len(kernelCategoryNames))
	for i, k := range kernelCategoryNames {
		names[i] = k.name
	}
	return names
}

// ParseKernelCategories ORs together named categories. "basic" expands to
// KernelAllBasic. Names are case-insensitive; '-' and '_' are equivalent.
func ParseKernelCategories(names []string) (KernelCategory, error) {
	var out KernelCategory
	for _, raw := range names {
		n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
		if n == "" {
			continue
		}
		if n == "basic" || n == "all_basic" {
			out |= KernelAllBasic
			continue
		}
		i := slices.IndexFunc(kernelCategoryNames, func(k struct {
			name string
			cat  KernelCategory
		}) bool {
			return k.name == n
		})
		if i < 0 {
			return 0, fmt.Errorf("unknown kernel category %q", raw)
		}
		out |= kernelCategoryNames[i].cat
	}
	return out, nil
}

// Names lists the categories set in c.
func (c KernelCategory) Names() []string {
	var names []string
	for _, k := range kernelCategoryNames {
		if c&k.cat == k.cat {
			names = append(names, k.name)
		}
	}
	return names
}

// Count is the number of bits set.
func (c KernelCategory) Count() int { return bits.OnesCount32(uint32(c)) }

func (c KernelCategory) String() string {
	if c == 0 {
		return "none"
	}
	return strings.Join(c.Names(), "|")
}

// Event groups of the NT Kernel Logger. Classic events carry these MOF
// provider GUIDs instead of a manifest provider.
var kernelGroupCategories = map[uuid.UUID]KernelCategory{
	uuid.MustParse("3d6fa8d0-fe05-11d0-9dda-00c04fd7ba7c"): KernelProcess,                                      // Process
	uuid.MustParse("3d6fa8d1-fe05-11d0-9dda-00c04fd7ba7c"): KernelThread,                                       // Thread
	uuid.MustParse("2cb15d1d-5fc1-11d2-abe1-00a0c911f518"): KernelImageLoad,                                    // ImageLoad
	uuid.MustParse("3d6fa8d4-fe05-11d0-9dda-00c04fd7ba7c"): KernelDiskIO,                                       // DiskIo
	uuid.MustParse("90cbdc39-4a3e-11d1-84f4-0000f80464e3"): KernelDiskFileIO | KernelFileIO | KernelFileIOInit, // FileIo
	uuid.MustParse("3d6fa8d3-fe05-11d0-9dda-00c04fd7ba7c"): KernelPageFault | KernelHardFault,                  // PageFault
	uuid.MustParse("ce1dbfb4-137e-4da6-87b0-3f59aa102cbc"): KernelDPC | KernelInterrupt | KernelSystemCall,     // PerfInfo
	uuid.MustParse("ae53722e-c863-11d2-8659-00c04fa321a1"): KernelRegistry,                                     // Registry
	uuid.MustParse("d837ca92-12b9-44a5-ad6a-3a65b3578aa8"): KernelSplitIO,                                      // SplitIo
	uuid.MustParse("9a280ac0-c8e0-11d1-84e2-00c04fb998a2"): KernelNetwork,                                      // TcpIp
	uuid.MustParse("bf3a50c5-a9c9-4988-a005-2df0b7c80f80"): KernelNetwork,                                      // UdpIp

	KernelProcessGUID:  KernelProcess | KernelImageLoad,
	KernelFileGUID:     KernelFileIO | KernelFileIOInit,
	KernelNetworkGUID:  KernelNetwork,
	KernelRegistryGUID: KernelRegistry,
	KernelDiskGUID:     KernelDiskIO,
}

// KernelCategoryOf returns the categories under which the kernel logger
// produces events of provider g, or zero when it never does.
func KernelCategoryOf(g uuid.UUID) KernelCategory { return kernelGroupCategories[g] }
