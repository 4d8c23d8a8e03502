package archive

import (
	"context"
	"fmt"
)

// Vault holds the plaintext signed documents between signature collection
// and lock-time archival. Documents are written as each signature arrives
// and read back when the retraction window closes, so the artifact that
// gets encrypted is exactly what the parties signed.
type Vault struct {
	store ObjectStore
}

func NewVault(store ObjectStore) *Vault {
	return &Vault{store: store}
}

func vaultPath(reference string) string {
	return "documents/" + reference + ".signed"
}

// Save stores the signed document for a contract, replacing any earlier
// version from a prior signature round.
func (v *Vault) Save(ctx context.Context, reference string, content []byte) error {
	if reference == "" {
		return fmt.Errorf("archive: vault reference required")
	}
	if len(content) == 0 {
		return fmt.Errorf("archive: vault content required")
	}
	if err := v.store.Put(ctx, vaultPath(reference), content); err != nil {
		return fmt.Errorf("archive: vault save %s: %w", reference, err)
	}
	return nil
}

// Load returns the signed document for a contract.
func (v *Vault) Load(ctx context.Context, reference string) ([]byte, error) {
	data, err := v.store.Get(ctx, vaultPath(reference))
	if err != nil {
		return nil, fmt.Errorf("archive: vault load %s: %w", reference, err)
	}
	return data, nil
}
