package protocol

// Category is the error taxonomy: validation, policy, storage,
// transport, crypto.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryPolicy     Category = "policy"
	CategoryStorage    Category = "storage"
	CategoryTransport  Category = "transport"
	CategoryCrypto     Category = "crypto"
)

// Failure is the structured error every handler returns on a non-success
// path: a taxonomy category plus the on-wire reason string.
type Failure struct {
	Category Category
	Reason   string
	Err      error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Reason + ": " + f.Err.Error()
	}
	return f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

func newFailure(cat Category, reason string, err error) *Failure {
	return &Failure{Category: cat, Reason: reason, Err: err}
}

// The named constructors below mirror the per-method failure reason
// strings, grouped by the taxonomy category they belong to.
func invalidFormat(err error) *Failure    { return newFailure(CategoryValidation, "invalid-format", err) }
func invalidSignature() *Failure          { return newFailure(CategoryCrypto, "invalid-signature", nil) }
func incomplete() *Failure                { return newFailure(CategoryCrypto, "incomplete", nil) }
func notOpen() *Failure                   { return newFailure(CategoryPolicy, "not-open", nil) }
func saveFailed(err error) *Failure       { return newFailure(CategoryStorage, "save-failed", err) }
func loadFailed(err error) *Failure       { return newFailure(CategoryStorage, "load-failed", err) }
func unauthorized() *Failure              { return newFailure(CategoryPolicy, "unauthorized", nil) }
func timing() *Failure                    { return newFailure(CategoryPolicy, "timing", nil) }
func notContracted() *Failure             { return newFailure(CategoryPolicy, "not-contracted", nil) }
func channelError(err error) *Failure     { return newFailure(CategoryTransport, "channel-error", err) }
func invalidKey() *Failure                { return newFailure(CategoryValidation, "invalid-key", nil) }
func invalidAudits() *Failure             { return newFailure(CategoryValidation, "invalid-audits", nil) }
func noTree() *Failure                    { return newFailure(CategoryPolicy, "no-tree", nil) }
func notFound() *Failure                  { return newFailure(CategoryPolicy, "not-found", nil) }
func notAddressable() *Failure            { return newFailure(CategoryPolicy, "not-addressable", nil) }
func gatewayFailed(err error) *Failure     { return newFailure(CategoryTransport, "gateway-failed", err) }
func mappingFailed(err error) *Failure     { return newFailure(CategoryTransport, "mapping-failed", err) }
