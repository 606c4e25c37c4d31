package chain

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	methodCreate   = "createSignal"
	methodClose    = "closeSignal"
	methodFullData = "getFullSignalData"
	methodPaused   = "paused"

	eventCreated = "SignalCreated"
	eventClosed  = "SignalClosed"
)

//go:embed registry.abi.json
var registryABIJSON string

var (
	registryABIOnce sync.Once
	registryABI     abi.ABI
	registryABIErr  error
)

// RegistryABI returns the parsed ABI of the signal registry contract.
func RegistryABI() (abi.ABI, error) {
	registryABIOnce.Do(func() {
		registryABI, registryABIErr = abi.JSON(strings.NewReader(registryABIJSON))
		if registryABIErr != nil {
			registryABIErr = fmt.Errorf("failed to parse registry abi: %w", registryABIErr)
		}
	})
	return registryABI, registryABIErr
}
