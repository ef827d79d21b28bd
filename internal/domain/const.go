package domain

import "slices"

const (
	// Blockchain constants
	ETHEREUM_ZERO_ADDRESS = "0x0000000000000000000000000000000000000000"

	// DEFAULT_PLATFORM_WALLET receives every on-chain deployment payment unless configured otherwise
	DEFAULT_PLATFORM_WALLET = "0x1378a57fa42b647b80475bf280985362a6136aa6"

	// Server and transaction id prefixes
	SERVER_ID_PREFIX = "srv_"
)

var (
	supportedRegions = []string{
		"us-east-1",
		"us-west-2",
		"eu-west-1",
		"eu-central-1",
		"ap-southeast-1",
		"ap-northeast-1",
	}

	supportedOS = []string{"ubuntu", "debian", "centos"}
)

// SupportedRegions returns the regions servers can be deployed to
func SupportedRegions() []string {
	return slices.Clone(supportedRegions)
}

// IsSupportedRegion checks if a region is in the catalogue
func IsSupportedRegion(region string) bool {
	return slices.Contains(supportedRegions, region)
}

// IsSupportedOS checks if an operating system image is in the catalogue
func IsSupportedOS(os string) bool {
	return slices.Contains(supportedOS, os)
}

// IsSupportedProvider checks if a provider is known
func IsSupportedProvider(p Provider) bool {
	switch p {
	case ProviderFluence, ProviderAkash, ProviderFilecoin, ProviderCustom:
		return true
	}
	return false
}
