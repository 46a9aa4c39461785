package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"tufd/internal/domain"
)

// Hash bin delegation distributes target paths uniformly over 2^k bins by
// hex prefix of the path hash, so a single targets role never grows without
// bound. The bin count is fixed at bootstrap.

const maxBins = 256

func validBinCount(n int) bool {
	return n >= 2 && n <= maxBins && n&(n-1) == 0
}

// BinForPath routes a target path to its bin role.
func BinForPath(path string, numberOfBins int) (string, error) {
	if !validBinCount(numberOfBins) {
		return "", fmt.Errorf("%w: bin count %d is not a power of two in [2,%d]", domain.ErrInvalidMutation, numberOfBins, maxBins)
	}
	sum := sha256.Sum256([]byte(path))
	index := int(sum[0]) * numberOfBins / maxBins
	return domain.BinRole(index), nil
}

// BinPrefixes returns the hex path-hash prefixes a bin is responsible for.
func BinPrefixes(index, numberOfBins int) ([]string, error) {
	if !validBinCount(numberOfBins) {
		return nil, fmt.Errorf("%w: bin count %d is not a power of two in [2,%d]", domain.ErrInvalidMutation, numberOfBins, maxBins)
	}
	if index < 0 || index >= numberOfBins {
		return nil, fmt.Errorf("bin index %d out of range", index)
	}

	if numberOfBins <= 16 {
		perBin := 16 / numberOfBins
		prefixes := make([]string, 0, perBin)
		for i := index * perBin; i < (index+1)*perBin; i++ {
			prefixes = append(prefixes, hex.EncodeToString([]byte{byte(i << 4)})[:1])
		}
		return prefixes, nil
	}

	perBin := maxBins / numberOfBins
	prefixes := make([]string, 0, perBin)
	for i := index * perBin; i < (index+1)*perBin; i++ {
		prefixes = append(prefixes, hex.EncodeToString([]byte{byte(i)}))
	}
	return prefixes, nil
}

// BinDelegations builds the delegations block for a targets document that
// delegates to hash bins signed by the given online keys.
func BinDelegations(keys []domain.Key, threshold, numberOfBins int) (*domain.Delegations, error) {
	if !validBinCount(numberOfBins) {
		return nil, fmt.Errorf("%w: bin count %d is not a power of two in [2,%d]", domain.ErrInvalidMutation, numberOfBins, maxBins)
	}
	if threshold < 1 || threshold > len(keys) {
		return nil, fmt.Errorf("%w: threshold %d with %d keys", domain.ErrInvalidMutation, threshold, len(keys))
	}

	keyIDs := make([]string, 0, len(keys))
	registry := make(map[string]domain.RootKey, len(keys))
	for _, key := range keys {
		keyIDs = append(keyIDs, key.ID)
		registry[key.ID] = RootKeyRecord(key)
	}

	roles := make([]domain.DelegatedRole, 0, numberOfBins)
	for i := 0; i < numberOfBins; i++ {
		prefixes, err := BinPrefixes(i, numberOfBins)
		if err != nil {
			return nil, err
		}
		roles = append(roles, domain.DelegatedRole{
			Name:             domain.BinRole(i),
			KeyIDs:           keyIDs,
			Threshold:        threshold,
			Terminating:      true,
			PathHashPrefixes: prefixes,
		})
	}
	return &domain.Delegations{Keys: registry, Roles: roles}, nil
}
