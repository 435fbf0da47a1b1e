package s3db

import (
	"fmt"
	"sync"
)

// HookPhase names the pipeline a hook runs in (§3.1, §4.5).
type HookPhase string

const (
	PhaseBeforeInsert HookPhase = "beforeInsert"
	PhaseAfterInsert  HookPhase = "afterInsert"
	PhaseBeforeUpdate HookPhase = "beforeUpdate"
	PhaseAfterUpdate  HookPhase = "afterUpdate"
	PhaseBeforeDelete HookPhase = "beforeDelete"
	PhaseAfterDelete  HookPhase = "afterDelete"
	PhaseAfterGet     HookPhase = "afterGet"
)

// HookEnv carries the runtime resources a hook needs but that must never
// be serialized into the schema alongside a HookRef's Params — chiefly
// the encryption key. Params describes *which* field to encrypt; HookEnv
// supplies *what key* to encrypt it with, kept out of s3db.json.
type HookEnv struct {
	EncryptionKey []byte
}

// HookFunc is a pure transform over a record's logical data map. Hooks
// must not capture external state (§4.5 Hooks): they can only read and
// write the data argument (plus the per-call, never-persisted env), so a
// resource's pipeline definition is fully reconstructible from its
// persisted schema alone.
type HookFunc func(data map[string]interface{}, params map[string]interface{}, env HookEnv) (map[string]interface{}, error)

// HookRegistry maps a stable name to a pure HookFunc, the same
// name->func indirection the teacher's MigrationRegistry uses to let a
// migration be identified by (typeName, fromVersion, toVersion) instead
// of by a serialized closure. Because a Go func value cannot be
// marshaled, a hook pipeline in s3db.json stores {name, params} pairs
// that resolve through this registry, which is what "serialized with the
// schema" (§4.5) actually means here: the registration key is the
// serialized form, not the function body.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string]HookFunc
}

var globalHookRegistry = &HookRegistry{hooks: make(map[string]HookFunc)}

// RegisterHook adds a named hook function to the global registry. Call
// this at package init time (or before Connect) for every hook a schema
// might reference; an unknown name at decode time is a configuration
// error, not a runtime panic.
func RegisterHook(name string, fn HookFunc) {
	globalHookRegistry.mu.Lock()
	defer globalHookRegistry.mu.Unlock()
	globalHookRegistry.hooks[name] = fn
}

func (r *HookRegistry) lookup(name string) (HookFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.hooks[name]
	return fn, ok
}

// HookRef is the persisted, serializable form of one hook invocation:
// a registration name plus the parameters bound to it.
type HookRef struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// HookSet holds the ordered hook pipelines for every phase of one schema
// version (§3.1 Resource.hooks).
type HookSet struct {
	Pipelines map[HookPhase][]HookRef
}

// NewHookSet creates an empty hook set.
func NewHookSet() *HookSet {
	return &HookSet{Pipelines: make(map[HookPhase][]HookRef)}
}

// Add appends a hook reference to the given phase's pipeline, preserving
// registration order (§4.5: "ordered arrays").
func (hs *HookSet) Add(phase HookPhase, name string, params map[string]interface{}) {
	hs.Pipelines[phase] = append(hs.Pipelines[phase], HookRef{Name: name, Params: params})
}

// Run executes every hook in phase's pipeline in order, threading data
// through each. A failing hook aborts the pipeline and returns its error;
// it does not roll back earlier hooks in the same pipeline (there is no
// transactional guarantee across hooks, matching the Resource Runtime's
// own non-transactional insert/update contract).
func (hs *HookSet) Run(phase HookPhase, data map[string]interface{}, env HookEnv) (map[string]interface{}, error) {
	for _, ref := range hs.Pipelines[phase] {
		fn, ok := globalHookRegistry.lookup(ref.Name)
		if !ok {
			return nil, WithContext(ErrConfig, map[string]interface{}{
				"phase": string(phase),
				"hook":  ref.Name,
				"reason": "hook not registered",
			})
		}
		var err error
		data, err = fn(data, ref.Params, env)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Auto-generated hook names (§4.3): registered once at init so every
// schema referencing a secret*/password attribute resolves without the
// caller doing anything.
const (
	hookEncryptSecret = "s3db.autoEncryptSecret"
	hookDecryptSecret = "s3db.autoDecryptSecret"
	hookHashPassword  = "s3db.autoHashPassword"
)

func init() {
	RegisterHook(hookEncryptSecret, func(data map[string]interface{}, params map[string]interface{}, env HookEnv) (map[string]interface{}, error) {
		field, _ := params["field"].(string)
		val, present := data[field]
		if !present || val == nil {
			return data, nil
		}
		plaintext, err := encodeJSONTagged(val)
		if err != nil {
			return nil, err
		}
		ciphertext, err := EncryptSecret(env.EncryptionKey, []byte(plaintext))
		if err != nil {
			return nil, err
		}
		data[field] = ciphertext
		return data, nil
	})

	RegisterHook(hookDecryptSecret, func(data map[string]interface{}, params map[string]interface{}, env HookEnv) (map[string]interface{}, error) {
		field, _ := params["field"].(string)
		val, present := data[field]
		if !present {
			return data, nil
		}
		ciphertext, ok := val.(string)
		if !ok {
			return data, nil
		}
		plaintext, err := DecryptSecret(env.EncryptionKey, ciphertext)
		if err != nil {
			return nil, err
		}
		var decoded interface{}
		if err := decodeJSONTagged(string(plaintext), &decoded); err != nil {
			return nil, err
		}
		data[field] = decoded
		return data, nil
	})

	RegisterHook(hookHashPassword, func(data map[string]interface{}, params map[string]interface{}, env HookEnv) (map[string]interface{}, error) {
		field, _ := params["field"].(string)
		val, present := data[field]
		if !present || val == nil {
			return data, nil
		}
		plaintext, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("s3db: password field %q must be a string", field)
		}
		hash, err := HashPassword(plaintext)
		if err != nil {
			return nil, err
		}
		data[field] = hash
		return data, nil
	})
}

// addAutoSecretHooks queues the paired before-persist/after-read hooks
// for a secret* attribute ahead of any user hooks (§4.3: "queued ahead of
// user hooks" — callers append user hooks to the same HookSet after
// NewSchemaVersion returns, so they land later in the pipeline).
func (hs *HookSet) addAutoSecretHooks(field string) {
	hs.Add(PhaseBeforeInsert, hookEncryptSecret, map[string]interface{}{"field": field})
	hs.Add(PhaseBeforeUpdate, hookEncryptSecret, map[string]interface{}{"field": field})
	hs.Add(PhaseAfterGet, hookDecryptSecret, map[string]interface{}{"field": field})
}

// addAutoPasswordHook queues the one-way bcrypt before-persist hook for a
// password attribute. autoDecrypt=false (§4.3): there is no after-read
// pairing, since the plaintext is never recoverable.
func (hs *HookSet) addAutoPasswordHook(field string) {
	hs.Add(PhaseBeforeInsert, hookHashPassword, map[string]interface{}{"field": field})
	hs.Add(PhaseBeforeUpdate, hookHashPassword, map[string]interface{}{"field": field})
}
