package mls

///
/// Secret tree
///
/// Per-epoch symmetric key derivation.  The epoch's encryption secret sits at
/// the root; child secrets are derived downward on demand and parent secrets
/// are dropped as soon as both children exist, so compromise of one leaf's
/// ratchet never exposes a sibling's.

const ratchetWindowSize = 256

type secretTree struct {
	Suite   CipherSuite
	Size    leafCount
	Secrets map[nodeIndex][]byte

	handshakeRatchets   map[leafIndex]*hashRatchet
	applicationRatchets map[leafIndex]*hashRatchet
}

func newSecretTree(suite CipherSuite, encryptionSecret []byte, size leafCount) *secretTree {
	tree := &secretTree{
		Suite:               suite,
		Size:                size,
		Secrets:             map[nodeIndex][]byte{},
		handshakeRatchets:   map[leafIndex]*hashRatchet{},
		applicationRatchets: map[leafIndex]*hashRatchet{},
	}
	tree.Secrets[root(size)] = dup(encryptionSecret)
	return tree
}

// Derive the secret for a node, materializing ancestors as needed.  Each
// parent secret is erased once both children are derived.
func (st *secretTree) get(n nodeIndex) []byte {
	if secret, ok := st.Secrets[n]; ok {
		return secret
	}

	p := parent(n, st.Size)
	parentSecret := st.get(p)

	size := st.Suite.Constants().SecretSize
	l, r := left(p), right(p, st.Size)
	st.Secrets[l] = st.Suite.deriveAppSecret(parentSecret, "tree", l, 0, size)
	st.Secrets[r] = st.Suite.deriveAppSecret(parentSecret, "tree", r, 0, size)

	zeroize(parentSecret)
	delete(st.Secrets, p)

	return st.Secrets[n]
}

// RatchetFor returns a leaf's ratchet for the given content type.  On first
// use the leaf secret is split into independent handshake and application
// chains and then consumed.
func (st *secretTree) RatchetFor(sender leafIndex, contentType ContentType) *hashRatchet {
	ratchets := st.applicationRatchets
	if contentType != ContentTypeApplication {
		ratchets = st.handshakeRatchets
	}
	if hr, ok := ratchets[sender]; ok {
		return hr
	}

	ni := toNodeIndex(sender)
	base := st.get(ni)
	size := st.Suite.Constants().SecretSize

	handshake := st.Suite.deriveAppSecret(base, "handshake", ni, 0, size)
	application := st.Suite.deriveAppSecret(base, "application", ni, 0, size)
	st.handshakeRatchets[sender] = newHashRatchet(st.Suite, ni, handshake)
	st.applicationRatchets[sender] = newHashRatchet(st.Suite, ni, application)
	zeroize(handshake)
	zeroize(application)

	zeroize(base)
	delete(st.Secrets, ni)

	return ratchets[sender]
}

///
/// Hash ratchet
///
/// A forward-secure chain of keys for one sender.  Keys ahead of the chain
/// head are derived and cached until used; keys behind it are gone.  The
/// window bounds how far ahead a receiver will derive, which also bounds the
/// cache.

type hashRatchet struct {
	Suite          CipherSuite
	Node           nodeIndex
	NextSecret     []byte
	NextGeneration uint32
	Cache          map[uint32]keyAndNonce
	KeySize        int
	NonceSize      int
	SecretSize     int
	WindowSize     uint32
}

func newHashRatchet(suite CipherSuite, node nodeIndex, baseSecret []byte) *hashRatchet {
	return &hashRatchet{
		Suite:          suite,
		Node:           node,
		NextSecret:     dup(baseSecret),
		NextGeneration: 0,
		Cache:          map[uint32]keyAndNonce{},
		KeySize:        suite.Constants().KeySize,
		NonceSize:      suite.Constants().NonceSize,
		SecretSize:     suite.Constants().SecretSize,
		WindowSize:     ratchetWindowSize,
	}
}

// Next derives the key pair for the current generation and advances the
// chain head.
func (hr *hashRatchet) Next() (uint32, keyAndNonce) {
	generation := hr.NextGeneration

	key := hr.Suite.deriveAppSecret(hr.NextSecret, "app-key", hr.Node, generation, hr.KeySize)
	nonce := hr.Suite.deriveAppSecret(hr.NextSecret, "app-nonce", hr.Node, generation, hr.NonceSize)
	secret := hr.Suite.deriveAppSecret(hr.NextSecret, "app-secret", hr.Node, generation, hr.SecretSize)

	zeroize(hr.NextSecret)
	hr.NextGeneration += 1
	hr.NextSecret = secret

	// The cache owns its own copy so eviction can zeroize it without
	// clobbering keys still in a caller's hands
	kn := keyAndNonce{Key: key, Nonce: nonce}
	hr.Cache[generation] = kn.clone()
	hr.expire()
	return generation, kn
}

// expire drops cached generations that have fallen out of the retention
// window behind the chain head.
func (hr *hashRatchet) expire() {
	if hr.NextGeneration <= hr.WindowSize {
		return
	}
	floor := hr.NextGeneration - hr.WindowSize
	for gen, kn := range hr.Cache {
		if gen < floor {
			kn.zeroize()
			delete(hr.Cache, gen)
		}
	}
}

// Get returns the keys for a generation.  Generations behind the chain head
// whose keys were already consumed or have left the retention window, and
// generations too far beyond the head, are rejected.
func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	if hr.NextGeneration > hr.WindowSize && generation < hr.NextGeneration-hr.WindowSize {
		return keyAndNonce{}, ErrDuplicateOrExpiredGeneration
	}

	if kn, ok := hr.Cache[generation]; ok {
		return kn, nil
	}

	if generation < hr.NextGeneration {
		return keyAndNonce{}, ErrDuplicateOrExpiredGeneration
	}

	if generation >= hr.NextGeneration+hr.WindowSize {
		return keyAndNonce{}, ErrDuplicateOrExpiredGeneration
	}

	for {
		gen, kn := hr.Next()
		if gen == generation {
			return kn, nil
		}
	}
}

// Erase consumes a generation's keys after use.
func (hr *hashRatchet) Erase(generation uint32) {
	if kn, ok := hr.Cache[generation]; ok {
		kn.zeroize()
		delete(hr.Cache, generation)
	}
}
