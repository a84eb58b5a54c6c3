package gateway

import "errors"

// ErrProviderRequired is returned by NewServer when no provider client was
// configured with WithProvider.
var ErrProviderRequired = errors.New("model gateway: provider is required")
