package validator_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/service/event"
	"github.com/m-mizutani/simgen/pkg/service/validator"
)

type assetLookupMock struct {
	existing map[string]bool
	err      error
	calls    []string
}

func (m *assetLookupMock) Exists(_ context.Context, path string) (bool, error) {
	m.calls = append(m.calls, path)
	if m.err != nil {
		return false, m.err
	}
	return m.existing[path], nil
}

const validManifest = `{
  "version": "1.0",
  "physics_type": "projectile",
  "title": "Ball on a slope",
  "objects": [
    {
      "id": "ball",
      "geometry": "sphere",
      "position": [0, 1, 0],
      "rotation": [0, 0, 0],
      "scale": [1, 1, 1],
      "physics": {"mass": 2.5, "velocity": [3, 4, 0], "charge": 0, "voltage": 0, "is_static": false}
    },
    {
      "id": "ramp",
      "geometry": "mesh",
      "asset_path": "meshes/ramp.glb",
      "position": [0, 0, 0],
      "rotation": [0, 0, 0.3],
      "scale": [2, 1, 1],
      "physics": {"mass": 100, "velocity": [0, 0, 0], "charge": 0, "voltage": 0, "is_static": true}
    }
  ],
  "parameters": [
    {"name": "angle", "type": "float", "default": 30, "min": 0, "max": 90, "unit": "deg"}
  ],
  "environment": {"gravity": [0, -9.81, 0], "damping": 0.01, "time_scale": 1}
}`

func TestValidManifestPasses(t *testing.T) {
	assets := &assetLookupMock{existing: map[string]bool{"meshes/ramp.glb": true}}
	v := validator.New(validator.WithAssetLookup(assets))

	result := v.Validate(context.Background(), []byte(validManifest))
	gt.True(t, result.Valid)
	gt.A(t, result.Errors).Length(0)
	gt.A(t, result.Warnings).Length(0)
	gt.V(t, result.Manifest).NotNil()
	gt.Equal(t, result.Manifest.PhysicsType, model.PhysicsProjectile)
	gt.A(t, result.Manifest.Objects).Length(2)
	gt.Equal(t, assets.calls, []string{"meshes/ramp.glb"})
}

func TestRoundTrip(t *testing.T) {
	v := validator.New()
	result := v.Validate(context.Background(), []byte(validManifest))
	gt.True(t, result.Valid)

	first, err := json.Marshal(result.Manifest)
	gt.NoError(t, err)
	parsed1, err := model.ParseManifest(first)
	gt.NoError(t, err)

	canonical, err := parsed1.MarshalCanonical()
	gt.NoError(t, err)
	parsed2, err := model.ParseManifest(canonical)
	gt.NoError(t, err)

	gt.Equal(t, parsed2, parsed1)

	again := v.Validate(context.Background(), canonical)
	gt.True(t, again.Valid)
	gt.A(t, again.Warnings).Length(0)
}

func TestMissingRequiredFieldIsFatal(t *testing.T) {
	for _, field := range []string{"version", "physics_type", "objects", "parameters"} {
		t.Run(field, func(t *testing.T) {
			var doc map[string]any
			gt.NoError(t, json.Unmarshal([]byte(validManifest), &doc))
			delete(doc, field)
			raw, err := json.Marshal(doc)
			gt.NoError(t, err)

			sink := event.NewRecorder()
			result := validator.New(validator.WithEventSink(sink)).Validate(context.Background(), raw)
			gt.False(t, result.Valid)
			gt.Nil(t, result.Manifest)
			gt.A(t, result.Errors).Length(1)
			gt.Equal(t, result.Errors[0].Path, field)
			gt.Equal(t, result.FailureReason(), model.FailureInvalidOutput)
			gt.Equal(t, sink.Count(model.EventValidationError), 1)
		})
	}
}

func TestMalformedDocument(t *testing.T) {
	v := validator.New()
	for _, raw := range []string{"", "not json", "[1,2]", `{"version": "1.0"`} {
		result := v.Validate(context.Background(), []byte(raw))
		gt.False(t, result.Valid)
		gt.Equal(t, result.FailureReason(), model.FailureInvalidOutput)
		gt.S(t, result.Error()).NotContains("(and")
	}
}

func TestUnknownPhysicsTypeIsFatal(t *testing.T) {
	var doc map[string]any
	gt.NoError(t, json.Unmarshal([]byte(validManifest), &doc))
	doc["physics_type"] = "quantum_gravity"
	raw, err := json.Marshal(doc)
	gt.NoError(t, err)

	result := validator.New().Validate(context.Background(), raw)
	gt.False(t, result.Valid)
	gt.Equal(t, result.FailureReason(), model.FailureValidationFailure)
	gt.S(t, result.Error()).Contains("quantum_gravity")
}

func TestMissingAssetReplacedWithDefault(t *testing.T) {
	testCases := map[string]struct {
		object       model.SimObject
		expectPath   string
		expectShapes model.GeometryType
	}{
		"mesh": {
			object:       model.SimObject{ID: "a", Geometry: model.GeometryMesh, AssetPath: "missing.glb"},
			expectPath:   model.DefaultMeshAsset,
			expectShapes: model.GeometrySphere,
		},
		"texture": {
			object:       model.SimObject{ID: "a", Geometry: model.GeometryBox, AssetPath: "wood.png", AssetKind: model.AssetKindTexture},
			expectPath:   model.DefaultTextureAsset,
			expectShapes: model.GeometryBox,
		},
		"particles": {
			object:       model.SimObject{ID: "a", Geometry: model.GeometryParticles, AssetPath: "smoke.vfx"},
			expectPath:   model.DefaultParticleAsset,
			expectShapes: model.GeometryParticles,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			obj := tc.object
			obj.Scale = model.Vec3{1, 1, 1}
			obj.Physics.Mass = 1
			m := &model.Manifest{
				Version:     "1.0",
				PhysicsType: model.PhysicsCollision,
				Objects:     []model.SimObject{obj},
				Parameters:  []model.Parameter{},
			}

			v := validator.New(validator.WithAssetLookup(&assetLookupMock{}))
			result := v.ValidateManifest(context.Background(), m)
			gt.True(t, result.Valid)
			gt.Equal(t, result.Manifest.Objects[0].AssetPath, tc.expectPath)
			gt.Equal(t, result.Manifest.Objects[0].Geometry, tc.expectShapes)
			gt.A(t, result.Warnings).Length(1)

			// Input manifest is untouched
			gt.Equal(t, m.Objects[0].AssetPath, tc.object.AssetPath)
		})
	}
}

func TestAssetLookupErrorTreatedAsMissing(t *testing.T) {
	v := validator.New(validator.WithAssetLookup(&assetLookupMock{err: errors.New("storage down")}))
	result := v.Validate(context.Background(), []byte(validManifest))
	gt.True(t, result.Valid)
	gt.Equal(t, result.Manifest.Objects[1].AssetPath, model.DefaultMeshAsset)
	gt.A(t, result.Warnings).Length(1)
}

func TestClamping(t *testing.T) {
	m := &model.Manifest{
		Version:     "1.0",
		PhysicsType: model.PhysicsElectromagnetic,
		Objects: []model.SimObject{
			{
				ID:       "heavy",
				Geometry: model.GeometrySphere,
				Position: model.Vec3{2e6, -2e6, 5},
				Scale:    model.Vec3{0.0001, 5000, 1},
				Physics: model.Physics{
					Mass:     1e9,
					Velocity: model.Vec3{4e8, 0, 0},
					Charge:   -5000,
					Voltage:  -1,
				},
			},
			{
				ID:       "weird",
				Geometry: model.GeometrySphere,
				Rotation: model.Vec3{math.Inf(1), 0, 0},
				Scale:    model.Vec3{1, 1, 1},
				Physics: model.Physics{
					Mass:     math.NaN(),
					Velocity: model.Vec3{math.NaN(), 3, 4},
				},
			},
		},
		Parameters: []model.Parameter{
			{Name: "k", Type: model.ParameterFloat, Default: 1.0, Min: ptr(10), Max: ptr(1)},
		},
		Environment: &model.Environment{
			Gravity:   model.Vec3{0, -5000, 0},
			Damping:   2,
			TimeScale: 500,
		},
	}

	sink := event.NewRecorder()
	result := validator.New(validator.WithEventSink(sink)).ValidateManifest(context.Background(), m)
	gt.True(t, result.Valid)

	heavy := result.Manifest.Objects[0]
	gt.Equal(t, heavy.Physics.Mass, validator.MassRange.Max)
	gt.Equal(t, heavy.Physics.Charge, validator.ChargeRange.Min)
	gt.Equal(t, heavy.Physics.Voltage, validator.VoltageRange.Min)
	gt.Equal(t, heavy.Position, model.Vec3{1e6, -1e6, 5})
	gt.Equal(t, heavy.Scale, model.Vec3{0.001, 1000, 1})

	speed := math.Sqrt(heavy.Physics.Velocity[0]*heavy.Physics.Velocity[0] +
		heavy.Physics.Velocity[1]*heavy.Physics.Velocity[1] +
		heavy.Physics.Velocity[2]*heavy.Physics.Velocity[2])
	gt.True(t, speed < validator.SpeedOfLight)
	gt.True(t, heavy.Physics.Velocity[0] > 0)

	weird := result.Manifest.Objects[1]
	gt.Equal(t, weird.Physics.Mass, validator.MassRange.Min)
	gt.Equal(t, weird.Physics.Velocity, model.Vec3{0, 3, 4})
	gt.Equal(t, weird.Rotation, model.Vec3{0, 0, 0})

	p := result.Manifest.Parameters[0]
	gt.Equal(t, *p.Min, 1.0)
	gt.Equal(t, *p.Max, 10.0)

	env := result.Manifest.Environment
	gt.Equal(t, env.Gravity, model.Vec3{0, -1000, 0})
	gt.Equal(t, env.Damping, 1.0)
	gt.Equal(t, env.TimeScale, 100.0)

	gt.Equal(t, sink.Count(model.EventValidationWarning), len(result.Warnings))
	gt.True(t, len(result.Warnings) >= 14)

	// Clamped manifests are encodable
	_, err := result.Manifest.MarshalCanonical()
	gt.NoError(t, err)
}

func TestObjectIDsRepaired(t *testing.T) {
	m := &model.Manifest{
		Version:     "1.0",
		PhysicsType: model.PhysicsSpring,
		Objects: []model.SimObject{
			{ID: "", Geometry: model.GeometryBox, Scale: model.Vec3{1, 1, 1}, Physics: model.Physics{Mass: 1}},
			{ID: "mass", Geometry: model.GeometryBox, Scale: model.Vec3{1, 1, 1}, Physics: model.Physics{Mass: 1}},
			{ID: "mass", Geometry: model.GeometryBox, Scale: model.Vec3{1, 1, 1}, Physics: model.Physics{Mass: 1}},
		},
		Parameters: []model.Parameter{},
	}

	result := validator.New().ValidateManifest(context.Background(), m)
	gt.True(t, result.Valid)
	gt.Equal(t, result.Manifest.Objects[0].ID, "obj_0")
	gt.Equal(t, result.Manifest.Objects[1].ID, "mass")
	gt.Equal(t, result.Manifest.Objects[2].ID, "mass_2")
	gt.A(t, result.WarningMessages()).Length(2)
}

func TestRangeClamp(t *testing.T) {
	r := validator.Range{Min: -1, Max: 1}
	gt.Equal(t, r.Clamp(0.5), 0.5)
	gt.Equal(t, r.Clamp(2), 1.0)
	gt.Equal(t, r.Clamp(-2), -1.0)
	gt.Equal(t, r.Clamp(math.Inf(1)), 1.0)
	gt.Equal(t, r.Clamp(math.Inf(-1)), -1.0)
	gt.Equal(t, r.Clamp(math.NaN()), -1.0)
}

func ptr(v float64) *float64 { return &v }
