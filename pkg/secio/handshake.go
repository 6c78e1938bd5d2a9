package secio

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"

	"github.com/peerway-io/peerway/pkg/identity"
	"github.com/peerway-io/peerway/pkg/random"
	"github.com/peerway-io/peerway/pkg/ring"
)

// exchangeFrames transmits a frame while receiving the peer's. Every
// handshake round is symmetric, so transmission has to proceed concurrently
// with reception to avoid deadlocking on a fully synchronous channel.
func exchangeFrames(conn io.ReadWriter, payload []byte, maxFrameLength int) ([]byte, error) {
	writeErrors := make(chan error, 1)
	go func() {
		writeErrors <- writeFrame(conn, payload)
	}()
	received, err := readFrame(conn, maxFrameLength)
	if err != nil {
		return nil, err
	}
	if err := <-writeErrors; err != nil {
		return nil, err
	}
	return received, nil
}

// Handshake performs the secure channel handshake on the specified channel
// and returns the established channel, which carries the verified remote
// public key and the local ephemeral public key used for session key
// derivation.
func Handshake(conn io.ReadWriteCloser, config *Config) (*Conn, error) {
	if config == nil || config.Keys == nil {
		return nil, errors.New("no local key pair provided")
	}
	configuration := *config
	configuration.normalize()

	// Round 1: exchange propositions carrying static keys, fresh nonces, and
	// algorithm preference lists.
	localNonce, err := random.New(nonceSize)
	if err != nil {
		return nil, errors.Wrap(err, "unable to generate nonce")
	}
	localPublicKey := configuration.Keys.Public().Marshal()
	localProposition := &proposition{
		Rand:      localNonce,
		PublicKey: localPublicKey,
		Exchanges: configuration.Agreements,
		Ciphers:   configuration.Ciphers,
		Hashes:    configuration.Digests,
	}
	localPropositionBytes := localProposition.encode()
	remotePropositionBytes, err := exchangeFrames(conn, localPropositionBytes, configuration.MaxFrameLength)
	if err != nil {
		return nil, errors.Wrap(err, "unable to exchange propositions")
	}
	remoteProposition, err := decodeProposition(remotePropositionBytes)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote proposition")
	}
	remoteKey, err := identity.UnmarshalPublicKey(remoteProposition.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote public key")
	}

	// Round 2: compute the deterministic ordering that breaks preference ties
	// and select one algorithm per family. Equal ordering means the peer
	// presented our own key and nonce, i.e. the peer is us.
	ourHash := sha256.Sum256(append(append([]byte{}, remoteProposition.PublicKey...), localNonce...))
	theirHash := sha256.Sum256(append(append([]byte{}, localPublicKey...), remoteProposition.Rand...))
	order := bytes.Compare(ourHash[:], theirHash[:])
	if order == 0 {
		return nil, ErrSelfHandshake
	}
	agreement, err := selectBest(order, configuration.Agreements, remoteProposition.Exchanges)
	if err != nil {
		return nil, err
	}
	cipherName, err := selectBest(order, configuration.Ciphers, remoteProposition.Ciphers)
	if err != nil {
		return nil, err
	}
	digest, err := selectBest(order, configuration.Digests, remoteProposition.Hashes)
	if err != nil {
		return nil, err
	}

	// Round 3: generate an ephemeral key pair for the chosen agreement, sign
	// both propositions and the ephemeral key with the static key, and
	// exchange the results.
	curve, err := curveForAgreement(agreement)
	if err != nil {
		return nil, err
	}
	ephemeralKey, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to generate ephemeral key")
	}
	ephemeralPublicKey := ephemeralKey.PublicKey().Bytes()
	toSign := concatenate(localPropositionBytes, remotePropositionBytes, ephemeralPublicKey)
	signature, err := configuration.Keys.Sign(toSign)
	if err != nil {
		return nil, errors.Wrap(err, "unable to sign exchange")
	}
	localExchange := &exchange{
		EphemeralPublicKey: ephemeralPublicKey,
		Signature:          signature,
	}
	remoteExchangeBytes, err := exchangeFrames(conn, localExchange.encode(), configuration.MaxFrameLength)
	if err != nil {
		return nil, errors.Wrap(err, "unable to exchange ephemeral keys")
	}
	remoteExchange, err := decodeExchange(remoteExchangeBytes)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote exchange")
	}

	// Round 4: verify the peer's signature against its static key, complete
	// the key agreement, and stretch the shared material into per-direction
	// key blocks.
	toVerify := concatenate(remotePropositionBytes, localPropositionBytes, remoteExchange.EphemeralPublicKey)
	if !remoteKey.Verify(toVerify, remoteExchange.Signature) {
		return nil, ErrBadSignature
	}
	remoteEphemeralKey, err := curve.NewPublicKey(remoteExchange.EphemeralPublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote ephemeral key")
	}
	shared, err := ephemeralKey.ECDH(remoteEphemeralKey)
	if err != nil {
		return nil, errors.Wrap(err, "unable to complete key agreement")
	}
	parameters, err := parametersForCipher(cipherName)
	if err != nil {
		return nil, err
	}
	newHash, err := hashForDigest(digest)
	if err != nil {
		return nil, err
	}
	halfLength := parameters.ivSize + parameters.keySize + macKeySize
	stretched := make([]byte, 2*halfLength)
	stretchKeys(newHash, shared, stretched)
	localHalf, remoteHalf := stretched[:halfLength], stretched[halfLength:]
	if order < 0 {
		localHalf, remoteHalf = remoteHalf, localHalf
	}
	writeState, err := newHalfState(cipherName, parameters, splitParameters(localHalf, parameters), newHash)
	if err != nil {
		return nil, err
	}
	readState, err := newHalfState(cipherName, parameters, splitParameters(remoteHalf, parameters), newHash)
	if err != nil {
		return nil, err
	}

	// Assemble the secure channel.
	secure := &Conn{
		conn:               conn,
		maxFrameLength:     configuration.MaxFrameLength,
		localPeer:          configuration.Keys.PeerID(),
		remoteKey:          remoteKey,
		remotePeer:         remoteKey.PeerID(),
		ephemeralPublicKey: ephemeralPublicKey,
		readState:          readState,
		drain:              ring.NewBuffer(configuration.MaxFrameLength),
		writeState:         writeState,
	}

	// Proof of encryption: send the peer's nonce back through the secure
	// channel and verify receipt of our own.
	writeErrors := make(chan error, 1)
	go func() {
		_, err := secure.Write(remoteProposition.Rand)
		writeErrors <- err
	}()
	echoed := make([]byte, nonceSize)
	if _, err := io.ReadFull(secure, echoed); err != nil {
		return nil, errors.Wrap(err, "unable to receive echoed nonce")
	}
	if err := <-writeErrors; err != nil {
		return nil, errors.Wrap(err, "unable to echo nonce")
	}
	if !bytes.Equal(echoed, localNonce) {
		return nil, ErrNonceVerification
	}

	// Done.
	return secure, nil
}

// concatenate joins byte slices into a freshly allocated buffer.
func concatenate(slices ...[]byte) []byte {
	var length int
	for _, slice := range slices {
		length += len(slice)
	}
	result := make([]byte, 0, length)
	for _, slice := range slices {
		result = append(result, slice...)
	}
	return result
}
