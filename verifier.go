package absnfs

import (
	"crypto/rand"
	"encoding/binary"
)

// newWriteVerifier mints the 8-byte value returned as writeverf3 from
// every WRITE and COMMIT reply. New mints it once per server instance
// and the instance keeps it for its whole life, so a client can detect a
// server restart between a WRITE and a later COMMIT by comparing
// verifiers.
func newWriteVerifier() [8]byte {
	var v [8]byte
	if _, err := rand.Read(v[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a value that is at least unlikely to
		// collide with a verifier minted before this process started.
		binary.BigEndian.PutUint64(v[:], 0x5a5a5a5a5a5a5a5a)
	}
	return v
}

// packCreateVerifier splits an 8-byte EXCLUSIVE-mode create verifier
// into the atime/mtime pair used to store it: low 4 bytes as a
// little-endian atime seconds value, high 4 bytes as mtime seconds.
func packCreateVerifier(verf [8]byte) (atimeSec, mtimeSec uint32) {
	atimeSec = binary.LittleEndian.Uint32(verf[0:4])
	mtimeSec = binary.LittleEndian.Uint32(verf[4:8])
	return
}

// createVerifierMatches reports whether an existing file's stat
// (atime.seconds, mtime.seconds) matches the verifier supplied for an
// EXCLUSIVE CREATE retry.
func createVerifierMatches(verf [8]byte, st Stat) bool {
	wantAtime, wantMtime := packCreateVerifier(verf)
	gotAtime := uint32(st.Atime.Unix())
	gotMtime := uint32(st.Mtime.Unix())
	return gotAtime == wantAtime && gotMtime == wantMtime
}
