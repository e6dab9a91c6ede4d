// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package naming

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

// Qualifier turns an agent name into its fully qualified form.
// Implementations must be deterministic.
type Qualifier interface {
	Qualify(name string) (string, error)
}

var segmentRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)

// NamespaceQualifier qualifies bare names as "<namespace>/<name>".
type NamespaceQualifier struct {
	Namespace string
}

// NewNamespaceQualifier returns a qualifier for namespace.
func NewNamespaceQualifier(namespace string) (*NamespaceQualifier, error) {
	namespace = strings.ToLower(strings.TrimSpace(namespace))
	if !segmentRegex.MatchString(namespace) {
		return nil, fmt.Errorf("%w: invalid namespace %q", standarderrors.ErrNaming, namespace)
	}
	return &NamespaceQualifier{Namespace: namespace}, nil
}

// Qualify lower-cases name and prefixes the namespace unless name is already qualified.
func (q *NamespaceQualifier) Qualify(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	parts := strings.Split(normalized, "/")
	switch len(parts) {
	case 1:
		parts = []string{q.Namespace, parts[0]}
	case 2:
	default:
		return "", fmt.Errorf("%w: %q has too many segments", standarderrors.ErrNaming, name)
	}
	for _, p := range parts {
		if !segmentRegex.MatchString(p) {
			return "", fmt.Errorf("%w: %q is not a valid agent name", standarderrors.ErrNaming, name)
		}
	}
	return parts[0] + "/" + parts[1], nil
}

// CachedQualifier memoizes successful qualifications of another Qualifier.
type CachedQualifier struct {
	next  Qualifier
	cache *lru.Cache[string, string]
}

// NewCachedQualifier wraps next with an LRU of size entries.
func NewCachedQualifier(next Qualifier, size int) (*CachedQualifier, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &CachedQualifier{next: next, cache: cache}, nil
}

// Qualify returns the cached result or delegates. Errors are not cached.
func (c *CachedQualifier) Qualify(name string) (string, error) {
	if v, ok := c.cache.Get(name); ok {
		return v, nil
	}
	v, err := c.next.Qualify(name)
	if err != nil {
		return "", err
	}
	c.cache.Add(name, v)
	return v, nil
}
