package adapter

import "github.com/gowebpki/jcs"

// JCS canonicalizes JSON documents (RFC 8785) so signatures do not depend on encoder output
type JCS interface {
	Transform(data []byte) ([]byte, error)
}

// RealJCS implements JCS using the gowebpki/jcs package
type RealJCS struct{}

// NewJCS creates a new real JCS implementation
func NewJCS() JCS {
	return &RealJCS{}
}

func (j *RealJCS) Transform(data []byte) ([]byte, error) {
	return jcs.Transform(data)
}
