package provider

import (
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Well-known manifest provider GUIDs.
var (
	KernelProcessGUID      = uuid.MustParse("22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716") // Microsoft-Windows-Kernel-Process
	KernelFileGUID         = uuid.MustParse("edd08927-9cc4-4e65-b970-c2560fb5c289") // Microsoft-Windows-Kernel-File
	KernelNetworkGUID      = uuid.MustParse("7dd42a49-5329-4832-8dfd-43d979153a88") // Microsoft-Windows-Kernel-Network
	KernelRegistryGUID     = uuid.MustParse("70eb4f03-c1de-4f73-a051-33d13d5413bd") // Microsoft-Windows-Kernel-Registry
	KernelDiskGUID         = uuid.MustParse("c7bde69a-e1e0-4177-b6ef-283ad1525271") // Microsoft-Windows-Kernel-Disk
	KernelEventTracingGUID = uuid.MustParse("b675ec37-bdb6-4648-bc92-f3fdc74d3ca2") // Microsoft-Windows-Kernel-EventTracing
	DNSClientGUID          = uuid.MustParse("1c95126e-7eea-49a9-a3fe-a378b03ddb4d") // Microsoft-Windows-DNS-Client
	TCPIPGUID              = uuid.MustParse("2f07e2ee-15db-40f1-90ef-9d7ba282188a") // Microsoft-Windows-TCPIP
	SecurityAuditingGUID   = uuid.MustParse("54849625-5478-4994-a5ba-3e3b0328c30d") // Microsoft-Windows-Security-Auditing
	PowerShellGUID         = uuid.MustParse("a0c1853b-5c40-4b15-8766-3cf1c58f985a") // Microsoft-Windows-PowerShell
)

// Known is an entry of the built-in provider table.
type Known struct {
	Name  string
	Alias string
	GUID  uuid.UUID
	// Description is shown by the providers listing.
	Description string
}

// KnownProviders are resolvable by name, alias or GUID without querying the OS.
var KnownProviders = []Known{
	{"Microsoft-Windows-Kernel-Process", "process", KernelProcessGUID, "process and image lifecycle"},
	{"Microsoft-Windows-Kernel-File", "file", KernelFileGUID, "file create, read, write and delete"},
	{"Microsoft-Windows-Kernel-Network", "network", KernelNetworkGUID, "TCP/UDP send, receive and connect"},
	{"Microsoft-Windows-Kernel-Registry", "registry", KernelRegistryGUID, "registry key and value operations"},
	{"Microsoft-Windows-Kernel-Disk", "disk", KernelDiskGUID, "physical disk I/O"},
	{"Microsoft-Windows-Kernel-EventTracing", "eventtracing", KernelEventTracingGUID, "ETW session start and stop"},
	{"Microsoft-Windows-DNS-Client", "dns", DNSClientGUID, "DNS queries and responses"},
	{"Microsoft-Windows-TCPIP", "tcpip", TCPIPGUID, "TCP/IP stack"},
	{"Microsoft-Windows-Security-Auditing", "security", SecurityAuditingGUID, "security audit events"},
	{"Microsoft-Windows-PowerShell", "powershell", PowerShellGUID, "PowerShell engine and script blocks"},
}

// Lookup finds a known provider by name, alias or GUID (braces optional).
// Name matching is case-insensitive.
func Lookup(nameOrGUID string) (Known, bool) {
	s := strings.TrimSpace(nameOrGUID)
	if g, err := uuid.Parse(strings.Trim(s, "{}")); err == nil {
		i := slices.IndexFunc(KnownProviders, func(k Known) bool { return k.GUID == g })
		if i >= 0 {
			return KnownProviders[i], true
		}
		return Known{}, false
	}
	for _, k := range KnownProviders {
		if strings.EqualFold(k.Name, s) || strings.EqualFold(k.Alias, s) {
			return k, true
		}
	}
	return Known{}, false
}

// NameOf returns the known name for a GUID, or "".
func NameOf(g uuid.UUID) string {
	for _, k := range KnownProviders {
		if k.GUID == g {
			return k.Name
		}
	}
	return ""
}
