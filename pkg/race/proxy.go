package race

import "sync"

// ProxyRotator hands out proxy URLs round-robin. Safe for concurrent use; the
// executor goroutines all pull from one rotator during the burst.
type ProxyRotator struct {
	mu      sync.Mutex
	proxies []string
	next    int
}

// NewProxyRotator builds a rotator over the given pool. An empty pool is
// valid and yields direct connections forever.
func NewProxyRotator(proxies []string) *ProxyRotator {
	return &ProxyRotator{proxies: proxies}
}

// Next returns the next proxy URL in rotation, or "" when the pool is empty.
func (r *ProxyRotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.proxies) == 0 {
		return ""
	}
	proxy := r.proxies[r.next%len(r.proxies)]
	r.next++
	return proxy
}

// Size reports the pool size.
func (r *ProxyRotator) Size() int {
	return len(r.proxies)
}
