package encryption

import (
	"fmt"
	"sort"
	"sync"

	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/services"
)

// Keyring holds versioned keys per namespace. Each namespace has at most
// one active version, and the same key material may not be registered
// under two namespaces.
type Keyring struct {
	mu      sync.RWMutex
	keys    map[models.KeyNamespace]map[int]*Service
	active  map[models.KeyNamespace]int
	digests map[string]models.KeyNamespace
}

// NewKeyring creates an empty keyring
func NewKeyring() *Keyring {
	return &Keyring{
		keys:    make(map[models.KeyNamespace]map[int]*Service),
		active:  make(map[models.KeyNamespace]int),
		digests: make(map[string]models.KeyNamespace),
	}
}

// Add registers key material under namespace and version.
func (k *Keyring) Add(namespace models.KeyNamespace, version int, key string) (*Service, error) {
	if !namespace.IsValid() {
		return nil, services.NewValidationError("namespace", fmt.Sprintf("unknown key namespace %q", namespace))
	}
	if version <= 0 {
		return nil, services.NewValidationError("version", "key version must be positive")
	}

	svc, err := NewService(namespace, version, key)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if owner, ok := k.digests[svc.keyDigest]; ok && owner != namespace {
		return nil, services.NewDomainError(services.ErrorTypeConflict,
			fmt.Sprintf("key material is already registered for namespace %s", owner), nil)
	}

	versions, ok := k.keys[namespace]
	if !ok {
		versions = make(map[int]*Service)
		k.keys[namespace] = versions
	}
	if existing, ok := versions[version]; ok && existing.keyDigest != svc.keyDigest {
		return nil, services.NewDomainError(services.ErrorTypeConflict,
			fmt.Sprintf("%s key version %d is already registered with different material", namespace, version), nil)
	}

	versions[version] = svc
	k.digests[svc.keyDigest] = namespace
	return svc, nil
}

// Activate marks version as the active key for namespace.
func (k *Keyring) Activate(namespace models.KeyNamespace, version int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.keys[namespace][version]; !ok {
		return services.NewDomainError(services.ErrorTypeNotFound,
			fmt.Sprintf("%s key version %d not found", namespace, version), nil)
	}
	k.active[namespace] = version
	return nil
}

// Active returns the active key for namespace.
func (k *Keyring) Active(namespace models.KeyNamespace) (*Service, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	version, ok := k.active[namespace]
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeNotFound,
			fmt.Sprintf("no active key for namespace %s", namespace), nil)
	}
	return k.keys[namespace][version], nil
}

// Get returns a specific key version.
func (k *Keyring) Get(namespace models.KeyNamespace, version int) (*Service, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	svc, ok := k.keys[namespace][version]
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeNotFound,
			fmt.Sprintf("%s key version %d not found", namespace, version), nil)
	}
	return svc, nil
}

// Remove discards a non-active key version.
func (k *Keyring) Remove(namespace models.KeyNamespace, version int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.active[namespace] == version {
		return services.NewDomainError(services.ErrorTypeConflict, "cannot remove the active key", nil)
	}
	svc, ok := k.keys[namespace][version]
	if !ok {
		return nil
	}
	delete(k.keys[namespace], version)
	delete(k.digests, svc.keyDigest)
	return nil
}

// Versions lists the registered versions of namespace in ascending order.
func (k *Keyring) Versions(namespace models.KeyNamespace) []int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]int, 0, len(k.keys[namespace]))
	for v := range k.keys[namespace] {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
