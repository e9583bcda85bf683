package model

import (
	"bytes"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrInvalidPhysicsType = goerr.New("invalid physics type")
	ErrInvalidGeometry    = goerr.New("invalid geometry type")
)

// ManifestVersion is written into manifests produced by this service
const ManifestVersion = "1.0"

type PhysicsType string

const (
	PhysicsProjectile      PhysicsType = "projectile"
	PhysicsPendulum        PhysicsType = "pendulum"
	PhysicsCollision       PhysicsType = "collision"
	PhysicsSpring          PhysicsType = "spring"
	PhysicsOrbital         PhysicsType = "orbital"
	PhysicsElectromagnetic PhysicsType = "electromagnetic"
	PhysicsFluid           PhysicsType = "fluid"
	PhysicsWave            PhysicsType = "wave"
	PhysicsThermodynamics  PhysicsType = "thermodynamics"
	PhysicsOptics          PhysicsType = "optics"
	PhysicsRigidBody       PhysicsType = "rigid_body"
)

// PhysicsTypes lists every accepted physics type in a stable order
func PhysicsTypes() []PhysicsType {
	return []PhysicsType{
		PhysicsProjectile, PhysicsPendulum, PhysicsCollision, PhysicsSpring,
		PhysicsOrbital, PhysicsElectromagnetic, PhysicsFluid, PhysicsWave,
		PhysicsThermodynamics, PhysicsOptics, PhysicsRigidBody,
	}
}

// Validate checks if the physics type is one of the supported values
func (p PhysicsType) Validate() error {
	switch p {
	case PhysicsProjectile, PhysicsPendulum, PhysicsCollision, PhysicsSpring,
		PhysicsOrbital, PhysicsElectromagnetic, PhysicsFluid, PhysicsWave,
		PhysicsThermodynamics, PhysicsOptics, PhysicsRigidBody:
		return nil
	default:
		return goerr.Wrap(ErrInvalidPhysicsType, "unsupported physics type", goerr.Value("physics_type", p))
	}
}

type GeometryType string

const (
	GeometrySphere    GeometryType = "sphere"
	GeometryBox       GeometryType = "box"
	GeometryCylinder  GeometryType = "cylinder"
	GeometryPlane     GeometryType = "plane"
	GeometryMesh      GeometryType = "mesh"
	GeometryParticles GeometryType = "particles"
)

// Validate checks if the geometry type is valid
func (g GeometryType) Validate() error {
	switch g {
	case GeometrySphere, GeometryBox, GeometryCylinder, GeometryPlane, GeometryMesh, GeometryParticles:
		return nil
	default:
		return goerr.Wrap(ErrInvalidGeometry, "unsupported geometry type", goerr.Value("geometry", g))
	}
}

type AssetKind string

const (
	AssetKindMesh           AssetKind = "mesh"
	AssetKindTexture        AssetKind = "texture"
	AssetKindParticleSystem AssetKind = "particle_system"
)

// Built-in assets that always exist on the rendering side
const (
	DefaultMeshAsset     = "builtin://geometry/sphere"
	DefaultTextureAsset  = "builtin://material/neutral"
	DefaultParticleAsset = "builtin://particles/point"
)

// ResolveAssetKind returns the declared kind, or infers it from the geometry
func (o *SimObject) ResolveAssetKind() AssetKind {
	switch o.AssetKind {
	case AssetKindMesh, AssetKindTexture, AssetKindParticleSystem:
		return o.AssetKind
	}
	switch o.Geometry {
	case GeometryMesh:
		return AssetKindMesh
	case GeometryParticles:
		return AssetKindParticleSystem
	default:
		return AssetKindTexture
	}
}

// Vec3 is an (x, y, z) triple
type Vec3 [3]float64

type Manifest struct {
	Version     string       `json:"version"`
	PhysicsType PhysicsType  `json:"physics_type"`
	Title       string       `json:"title,omitempty"`
	Objects     []SimObject  `json:"objects"`
	Parameters  []Parameter  `json:"parameters"`
	Environment *Environment `json:"environment,omitempty"`
}

type SimObject struct {
	ID        string       `json:"id"`
	Geometry  GeometryType `json:"geometry"`
	AssetPath string       `json:"asset_path,omitempty"`
	AssetKind AssetKind    `json:"asset_kind,omitempty"`
	Position  Vec3         `json:"position"`
	Rotation  Vec3         `json:"rotation"`
	Scale     Vec3         `json:"scale"`
	Physics   Physics      `json:"physics"`
}

type Physics struct {
	Mass     float64 `json:"mass"`
	Velocity Vec3    `json:"velocity"`
	Charge   float64 `json:"charge"`
	Voltage  float64 `json:"voltage"`
	IsStatic bool    `json:"is_static"`
}

type ParameterType string

const (
	ParameterFloat  ParameterType = "float"
	ParameterInt    ParameterType = "int"
	ParameterBool   ParameterType = "bool"
	ParameterVector ParameterType = "vector"
)

type Parameter struct {
	Name    string        `json:"name"`
	Type    ParameterType `json:"type"`
	Default any           `json:"default"`
	Min     *float64      `json:"min,omitempty"`
	Max     *float64      `json:"max,omitempty"`
	Unit    string        `json:"unit,omitempty"`
}

type Environment struct {
	Gravity   Vec3    `json:"gravity"`
	Damping   float64 `json:"damping"`
	TimeScale float64 `json:"time_scale"`
}

// ParseManifest decodes a manifest document without any validation
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return nil, goerr.Wrap(err, "failed to decode manifest")
	}
	return &m, nil
}

// MarshalCanonical encodes the manifest with sorted keys and no insignificant whitespace
func (m *Manifest) MarshalCanonical() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal manifest")
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, goerr.Wrap(err, "failed to normalize manifest")
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal canonical manifest")
	}
	return out, nil
}

// Clone returns a deep copy through the canonical encoding
func (m *Manifest) Clone() (*Manifest, error) {
	data, err := m.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}
