// internal/failuretable/block.go
package failuretable

// Block is the minimal view of a fetched datastore block this package
// needs: enough to build headers/data wire messages without knowing
// anything about the actual CHK/SSK block encoding.
type Block struct {
	Key     Key
	Headers []byte
	Data    []byte
	PubKey  []byte
}
