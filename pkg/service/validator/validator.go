// Package validator turns raw generator output into a manifest that is safe to render.
//
// Structural problems (malformed document, missing required fields, unknown physics
// type) are fatal. Everything else is repaired in place and reported as a warning:
// unresolvable assets are replaced by built-in defaults and out-of-range physics values
// are clamped.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
)

// SpeedOfLight in m/s. Object speeds must stay strictly below it.
const SpeedOfLight = 299792458.0

// Safe ranges of numeric physics values
var (
	MassRange      = Range{Min: 0.001, Max: 10000}
	ChargeRange    = Range{Min: -1000, Max: 1000}
	VoltageRange   = Range{Min: 0, Max: 10000}
	ScaleRange     = Range{Min: 0.001, Max: 1000}
	PositionRange  = Range{Min: -1e6, Max: 1e6}
	DampingRange   = Range{Min: 0, Max: 1}
	TimeScaleRange = Range{Min: 0.01, Max: 100}
	GravityRange   = Range{Min: -1000, Max: 1000}

	// Speeds at or above c are scaled down to this along their direction
	MaxSpeed = 0.99 * SpeedOfLight
)

var requiredFields = []string{"version", "physics_type", "objects", "parameters"}

// Range is an inclusive numeric interval
type Range struct {
	Min float64
	Max float64
}

// Clamp returns v limited to r. NaN maps to Min, infinities to the nearest bound.
func (r Range) Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return r.Min
	case v < r.Min:
		return r.Min
	case v > r.Max:
		return r.Max
	}
	return v
}

// Issue is one finding about a manifest
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (x Issue) String() string {
	if x.Path == "" {
		return x.Message
	}
	return x.Path + ": " + x.Message
}

// Result of validating one manifest
type Result struct {
	Valid    bool
	Manifest *model.Manifest
	Warnings []Issue
	Errors   []Issue

	reason model.FailureReason
}

// WarningMessages flattens warnings for user-facing responses
func (r *Result) WarningMessages() []string {
	if len(r.Warnings) == 0 {
		return nil
	}
	out := make([]string, len(r.Warnings))
	for i, w := range r.Warnings {
		out[i] = w.String()
	}
	return out
}

// FailureReason returns the dead-letter reason for an invalid result.
// Undecodable or incomplete documents are invalid_output, everything else validation_failure.
func (r *Result) FailureReason() model.FailureReason {
	if r.Valid {
		return ""
	}
	return r.reason
}

// Error summarizes the fatal issues, empty when valid
func (r *Result) Error() string {
	if r.Valid || len(r.Errors) == 0 {
		return ""
	}
	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		msg += fmt.Sprintf(" (and %d more)", len(r.Errors)-1)
	}
	return msg
}

// Validator checks manifests. It holds no state between calls.
type Validator struct {
	assets interfaces.AssetLookup
	sink   interfaces.EventSink
	now    func() time.Time
}

// Option is a functional option for Validator
type Option func(*Validator)

// WithAssetLookup sets the asset existence check. Without it every asset path is
// treated as resolvable.
func WithAssetLookup(lookup interfaces.AssetLookup) Option {
	return func(v *Validator) {
		v.assets = lookup
	}
}

// WithEventSink sets the sink receiving validation events
func WithEventSink(sink interfaces.EventSink) Option {
	return func(v *Validator) {
		v.sink = sink
	}
}

// New creates a Validator
func New(opts ...Option) *Validator {
	v := &Validator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type run struct {
	ctx    context.Context
	v      *Validator
	result *Result
}

// Validate parses raw and repairs what can be repaired. The returned result never
// shares memory with raw.
func (v *Validator) Validate(ctx context.Context, raw []byte) *Result {
	r := &run{ctx: ctx, v: v, result: &Result{}}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		r.fatal(model.FailureInvalidOutput, "", "document is not a JSON object: "+err.Error())
		return r.finish()
	}
	for _, name := range requiredFields {
		value, ok := fields[name]
		if !ok || string(value) == "null" {
			r.fatal(model.FailureInvalidOutput, name, "required field is missing")
		}
	}
	if len(r.result.Errors) > 0 {
		return r.finish()
	}

	m, err := model.ParseManifest(raw)
	if err != nil {
		r.fatal(model.FailureInvalidOutput, "", "document does not match the manifest schema: "+err.Error())
		return r.finish()
	}

	return r.check(m)
}

// ValidateManifest runs the same rules on an already decoded manifest, which is
// copied first.
func (v *Validator) ValidateManifest(ctx context.Context, m *model.Manifest) *Result {
	r := &run{ctx: ctx, v: v, result: &Result{}}
	if m == nil {
		r.fatal(model.FailureInvalidOutput, "", "manifest is empty")
		return r.finish()
	}
	if m.Objects == nil {
		r.fatal(model.FailureInvalidOutput, "objects", "required field is missing")
	}
	if m.Parameters == nil {
		r.fatal(model.FailureInvalidOutput, "parameters", "required field is missing")
	}
	if m.Version == "" {
		r.fatal(model.FailureInvalidOutput, "version", "required field is missing")
	}
	if m.PhysicsType == "" {
		r.fatal(model.FailureInvalidOutput, "physics_type", "required field is missing")
	}
	if len(r.result.Errors) > 0 {
		return r.finish()
	}

	return r.check(copyManifest(m))
}

func (r *run) check(m *model.Manifest) *Result {
	r.objectIDs(m)
	for i := range m.Objects {
		r.asset(&m.Objects[i], fmt.Sprintf("objects[%d]", i))
	}
	for i := range m.Objects {
		r.object(&m.Objects[i], fmt.Sprintf("objects[%d]", i))
	}
	for i := range m.Parameters {
		r.parameter(&m.Parameters[i], fmt.Sprintf("parameters[%d]", i))
	}
	if m.Environment != nil {
		r.environment(m.Environment)
	}

	if err := m.PhysicsType.Validate(); err != nil {
		r.fatal(model.FailureValidationFailure, "physics_type",
			fmt.Sprintf("unknown physics type %q", m.PhysicsType))
	}

	if len(r.result.Errors) == 0 {
		r.result.Valid = true
		r.result.Manifest = m
	}
	return r.finish()
}

func (r *run) objectIDs(m *model.Manifest) {
	seen := make(map[string]bool, len(m.Objects))
	for i := range m.Objects {
		obj := &m.Objects[i]
		path := fmt.Sprintf("objects[%d].id", i)
		if obj.ID == "" {
			obj.ID = "obj_" + strconv.Itoa(i)
			r.warn(path, "empty id replaced with "+obj.ID)
		}
		if seen[obj.ID] {
			base := obj.ID
			for n := 2; seen[obj.ID]; n++ {
				obj.ID = base + "_" + strconv.Itoa(n)
			}
			r.warn(path, fmt.Sprintf("duplicate id %q renamed to %q", base, obj.ID))
		}
		seen[obj.ID] = true
	}
}

func (r *run) asset(obj *model.SimObject, path string) {
	if err := obj.Geometry.Validate(); err != nil {
		r.warn(path+".geometry", fmt.Sprintf("unknown geometry %q replaced with sphere", obj.Geometry))
		obj.Geometry = model.GeometrySphere
	}

	if obj.AssetPath == "" {
		return
	}

	exists := true
	if r.v.assets != nil {
		ok, err := r.v.assets.Exists(r.ctx, obj.AssetPath)
		if err != nil {
			logging.From(r.ctx).Warn("asset lookup failed, substituting default",
				"asset_path", obj.AssetPath, "error", err)
		}
		exists = ok && err == nil
	}
	if exists {
		return
	}

	original := obj.AssetPath
	switch obj.ResolveAssetKind() {
	case model.AssetKindMesh:
		obj.AssetPath = model.DefaultMeshAsset
		obj.Geometry = model.GeometrySphere
	case model.AssetKindParticleSystem:
		obj.AssetPath = model.DefaultParticleAsset
	case model.AssetKindTexture:
		obj.AssetPath = model.DefaultTextureAsset
	}
	r.warn(path+".asset_path", fmt.Sprintf("asset %q not found, using %s", original, obj.AssetPath))
}

func (r *run) object(obj *model.SimObject, path string) {
	obj.Physics.Mass = r.clamp(path+".physics.mass", obj.Physics.Mass, MassRange)
	obj.Physics.Charge = r.clamp(path+".physics.charge", obj.Physics.Charge, ChargeRange)
	obj.Physics.Voltage = r.clamp(path+".physics.voltage", obj.Physics.Voltage, VoltageRange)
	obj.Physics.Velocity = r.velocity(path+".physics.velocity", obj.Physics.Velocity)

	if obj.Scale == (model.Vec3{}) {
		obj.Scale = model.Vec3{1, 1, 1}
		r.warn(path+".scale", "zero scale replaced with 1")
	}
	obj.Scale = r.clampVec(path+".scale", obj.Scale, ScaleRange)
	obj.Position = r.clampVec(path+".position", obj.Position, PositionRange)
	obj.Rotation = r.finiteVec(path+".rotation", obj.Rotation)
}

func (r *run) parameter(p *model.Parameter, path string) {
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		p.Min, p.Max = p.Max, p.Min
		r.warn(path, "min greater than max, swapped")
	}
}

func (r *run) environment(env *model.Environment) {
	env.Gravity = r.clampVec("environment.gravity", env.Gravity, GravityRange)
	env.Damping = r.clamp("environment.damping", env.Damping, DampingRange)
	if env.TimeScale == 0 {
		env.TimeScale = 1
		r.warn("environment.time_scale", "unset time scale replaced with 1")
	}
	env.TimeScale = r.clamp("environment.time_scale", env.TimeScale, TimeScaleRange)
}

func (r *run) clamp(path string, v float64, rng Range) float64 {
	out := rng.Clamp(v)
	if out != v {
		r.warn(path, fmt.Sprintf("value %v clamped to %v", v, out))
	}
	return out
}

func (r *run) clampVec(path string, v model.Vec3, rng Range) model.Vec3 {
	for i := range v {
		v[i] = r.clamp(fmt.Sprintf("%s[%d]", path, i), v[i], rng)
	}
	return v
}

func (r *run) finiteVec(path string, v model.Vec3) model.Vec3 {
	for i := range v {
		if math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
			r.warn(fmt.Sprintf("%s[%d]", path, i), fmt.Sprintf("non-finite value %v replaced with 0", v[i]))
			v[i] = 0
		}
	}
	return v
}

// velocity keeps the direction and limits the magnitude below the speed of light
func (r *run) velocity(path string, v model.Vec3) model.Vec3 {
	v = r.finiteVec(path, v)
	speed := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if speed < SpeedOfLight {
		return v
	}

	factor := MaxSpeed / speed
	for i := range v {
		v[i] *= factor
	}
	r.warn(path, fmt.Sprintf("speed %.6g m/s exceeds the speed of light, scaled to %.6g m/s", speed, MaxSpeed))
	return v
}

func (r *run) warn(path, msg string) {
	r.result.Warnings = append(r.result.Warnings, Issue{Path: path, Message: msg})
	r.v.emit(r.ctx, model.EventValidationWarning, path, msg)
}

func (r *run) fatal(reason model.FailureReason, path, msg string) {
	if r.result.reason == "" {
		r.result.reason = reason
	}
	r.result.Errors = append(r.result.Errors, Issue{Path: path, Message: msg})
	r.v.emit(r.ctx, model.EventValidationError, path, msg)
}

func (r *run) finish() *Result {
	if !r.result.Valid {
		r.result.Manifest = nil
	}
	return r.result
}

func (v *Validator) emit(ctx context.Context, typ model.EventType, path, msg string) {
	if v.sink != nil {
		v.sink.Emit(ctx, model.NewEvent(typ, v.now(), "path", path, "message", msg))
	}
}

// copyManifest deep-copies m without going through JSON, which cannot carry
// non-finite numbers.
func copyManifest(m *model.Manifest) *model.Manifest {
	out := *m
	out.Objects = append([]model.SimObject{}, m.Objects...)
	out.Parameters = make([]model.Parameter, len(m.Parameters))
	for i, p := range m.Parameters {
		if p.Min != nil {
			v := *p.Min
			p.Min = &v
		}
		if p.Max != nil {
			v := *p.Max
			p.Max = &v
		}
		out.Parameters[i] = p
	}
	if m.Environment != nil {
		env := *m.Environment
		out.Environment = &env
	}
	return &out
}
