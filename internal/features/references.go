package features

// Cache holds the well-known features looked up on nearly every request.
type Cache struct {
	Items             ItemsFeature
	ServiceProviders  ServiceProvidersFeature
	Authentication    AuthenticationFeature
	Lifetime          LifetimeFeature
	RequestIdentifier RequestIdentifierFeature
	Session           SessionFeature
}

// References is a revision-tagged cache over a Collection. A cached value is
// only trusted while the collection revision matches the one it was captured
// at; any mutation of the collection flushes the cache on the next fetch.
type References struct {
	collection *Collection
	revision   int
	Cache      Cache
}

// NewReferences binds a reference cache to c.
func NewReferences(c *Collection) *References {
	r := &References{}
	r.Initialize(c)
	return r
}

// Initialize rebinds r to c and clears the cache.
func (r *References) Initialize(c *Collection) {
	r.collection = c
	r.revision = c.Revision()
	r.Cache = Cache{}
}

// Collection returns the bound collection.
func (r *References) Collection() *Collection { return r.collection }

// Fetch returns the feature for T using slot (a field of r.Cache) as the fast
// path. On a miss the collection is consulted; if it has nothing and factory
// is non-nil, factory runs once and its result is stored in the collection.
func Fetch[T any](r *References, slot *T, factory func() T) T {
	if rev := r.collection.Revision(); rev != r.revision {
		r.Cache = Cache{}
		r.revision = rev
	}
	if !isNil(any(*slot)) {
		return *slot
	}
	v := Get[T](r.collection)
	if isNil(any(v)) {
		if factory == nil {
			var zero T
			return zero
		}
		v = factory()
		Set[T](r.collection, v)
		r.revision = r.collection.Revision()
	}
	*slot = v
	return v
}

// Items returns the items bag, creating it on first use.
func (r *References) Items() ItemsFeature {
	return Fetch(r, &r.Cache.Items, func() ItemsFeature { return ItemsMap{} })
}

// ServiceProviders returns the service provider feature, if any.
func (r *References) ServiceProviders() ServiceProvidersFeature {
	return Fetch[ServiceProvidersFeature](r, &r.Cache.ServiceProviders, nil)
}

// Authentication returns the authentication feature, if any.
func (r *References) Authentication() AuthenticationFeature {
	return Fetch[AuthenticationFeature](r, &r.Cache.Authentication, nil)
}

// Lifetime returns the request lifetime feature, if any.
func (r *References) Lifetime() LifetimeFeature {
	return Fetch[LifetimeFeature](r, &r.Cache.Lifetime, nil)
}

// RequestIdentifier returns the trace identifier feature, creating an empty
// one on first use.
func (r *References) RequestIdentifier() RequestIdentifierFeature {
	return Fetch(r, &r.Cache.RequestIdentifier, func() RequestIdentifierFeature { return &TraceID{} })
}

// Session returns the session feature, if any.
func (r *References) Session() SessionFeature {
	return Fetch[SessionFeature](r, &r.Cache.Session, nil)
}
