package nnodes

import (
	"encoding/binary"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// Typed numeric arrays use gonum's mat.Dense as the in-memory
// representation. No library in the dependency set reads or writes
// NumPy's .npy container, so the on-disk codec itself is a small
// hand-rolled fixed-header format (rows, cols, then row-major float64
// data) — see DESIGN.md for why this layer, specifically, stays
// hand-rolled rather than library-backed.
const matMagic = "NNM1"

func loadMat(path string) (any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.Read(magic[:]); err != nil {
		return nil, err
	}
	if string(magic[:]) != matMagic {
		return nil, fmt.Errorf("nnodes: bad matrix file magic in %s", path)
	}

	var rows, cols uint64
	if err := binary.Read(f, binary.LittleEndian, &rows); err != nil {
		return nil, err
	}
	if err := binary.Read(f, binary.LittleEndian, &cols); err != nil {
		return nil, err
	}

	data := make([]float64, rows*cols)
	if err := binary.Read(f, binary.LittleEndian, &data); err != nil {
		return nil, err
	}
	return mat.NewDense(int(rows), int(cols), data), nil
}

func dumpMat(v any, path string) error {
	m, ok := v.(*mat.Dense)
	if !ok {
		return fmt.Errorf("nnodes: .npy dump expects *mat.Dense, got %T", v)
	}
	rows, cols := m.Dims()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(matMagic); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, uint64(rows)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, uint64(cols)); err != nil {
		return err
	}
	data := m.RawMatrix().Data
	if err := binary.Write(f, binary.LittleEndian, data); err != nil {
		return err
	}
	return f.Sync()
}
