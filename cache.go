package p11cert

import "github.com/miekg/pkcs11"

// CertCache holds the certificates materialized from a token in discovery
// order, indexed by object handle. It is not safe for concurrent use.
type CertCache struct {
	certs []*Certificate
	index map[pkcs11.ObjectHandle]int
}

func (cache *CertCache) Len() int {
	return len(cache.certs)
}

// Certificates returns the cached records. The slice is only valid until
// the next call that mutates the cache.
func (cache *CertCache) Certificates() []*Certificate {
	return cache.certs
}

func (cache *CertCache) ByHandle(handle pkcs11.ObjectHandle) (*Certificate, bool) {
	i, ok := cache.index[handle]
	if !ok {
		return nil, false
	}
	return cache.certs[i], true
}

// Append adds a fully built record. Records whose handle is already cached are ignored.
func (cache *CertCache) Append(cert *Certificate) bool {
	if _, ok := cache.index[cert.object]; ok {
		return false
	}
	if cache.index == nil {
		cache.index = make(map[pkcs11.ObjectHandle]int)
	}
	cache.certs = append(cache.certs, cert)
	cache.index[cert.object] = len(cache.certs) - 1
	return true
}

// rehandle moves cert to a new object handle, keeping the index consistent.
// The handle must not belong to another cached record.
func (cache *CertCache) rehandle(cert *Certificate, handle pkcs11.ObjectHandle) {
	if i, ok := cache.index[cert.object]; ok && cache.certs[i] == cert {
		delete(cache.index, cert.object)
		cache.index[handle] = i
	}
	cert.object = handle
}

// Destroy drops every record and what it owns, leaving an empty cache.
func (cache *CertCache) Destroy() {
	for i := len(cache.certs) - 1; i >= 0; i-- {
		cache.certs[i].release()
		cache.certs[i] = nil
	}
	cache.certs = nil
	cache.index = nil
}
