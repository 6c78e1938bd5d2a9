// Package multistream implements the line-oriented protocol-selection
// exchange that runs between upgrade layers and at the start of every
// substream. One side proposes protocols in preference order, the other
// responds with agreement, a not-available token, or (on request) the list of
// protocols it supports.
package multistream

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// ProtocolID is the version line exchanged by both sides before any
	// proposal.
	ProtocolID = "/multistream/1.0.0"
	// tokenNotAvailable is the distinguished response to an unsupported
	// proposal.
	tokenNotAvailable = "na"
	// tokenList is the distinguished request for the responder's protocol
	// list.
	tokenList = "ls"
	// maximumLineLength is the maximum length of a single delimited line,
	// including the trailing newline.
	maximumLineLength = 1024
)

var (
	// ErrNegotiationFailed is returned when the proposer exhausts its
	// proposals without agreement.
	ErrNegotiationFailed = errors.New("negotiation failed: no mutually supported protocol")
	// ErrIncorrectVersion is returned when the peer's version line doesn't
	// match ours.
	ErrIncorrectVersion = errors.New("incorrect multistream version")
)

// byteReader adapts an io.Reader to an io.ByteReader without buffering ahead.
// Negotiation shares its channel with the next layer, so reading beyond the
// current line would lose bytes that belong to it.
type byteReader struct {
	reader io.Reader
}

// ReadByte implements io.ByteReader.ReadByte.
func (r byteReader) ReadByte() (byte, error) {
	var buffer [1]byte
	if _, err := io.ReadFull(r.reader, buffer[:]); err != nil {
		return 0, err
	}
	return buffer[0], nil
}

// writeLine writes a single delimited line: a varint length prefix covering
// the body and the trailing newline, followed by the body and the newline.
func writeLine(writer io.Writer, body string) error {
	var length [binary.MaxVarintLen64]byte
	count := binary.PutUvarint(length[:], uint64(len(body)+1))
	message := make([]byte, 0, count+len(body)+1)
	message = append(message, length[:count]...)
	message = append(message, body...)
	message = append(message, '\n')
	if _, err := writer.Write(message); err != nil {
		return errors.Wrap(err, "unable to write line")
	}
	return nil
}

// readLine reads a single delimited line and strips the trailing newline.
func readLine(reader io.Reader) (string, error) {
	length, err := binary.ReadUvarint(byteReader{reader})
	if err != nil {
		return "", errors.Wrap(err, "unable to read line length")
	}
	if length == 0 || length > maximumLineLength {
		return "", errors.Errorf("invalid line length: %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(reader, body); err != nil {
		return "", errors.Wrap(err, "unable to read line body")
	}
	if body[length-1] != '\n' {
		return "", errors.New("line missing newline terminator")
	}
	return string(body[:length-1]), nil
}

// proposeVersion sends our version line and then verifies the peer's. It is
// the proposer's half of the version exchange.
func proposeVersion(stream io.ReadWriter) error {
	if err := writeLine(stream, ProtocolID); err != nil {
		return err
	}
	version, err := readLine(stream)
	if err != nil {
		return err
	}
	if version != ProtocolID {
		return ErrIncorrectVersion
	}
	return nil
}

// respondVersion verifies the peer's version line and then sends our own. The
// responder reads before writing so that negotiation can't deadlock on a
// fully synchronous channel.
func respondVersion(stream io.ReadWriter) error {
	version, err := readLine(stream)
	if err != nil {
		return err
	}
	if version != ProtocolID {
		return ErrIncorrectVersion
	}
	return writeLine(stream, ProtocolID)
}

// SelectOneOf proposes the specified protocols in order and returns the first
// one the peer agrees to. Agreement requires exact byte equality between the
// proposal and the response. A single negotiation is one-shot per channel.
func SelectOneOf(protocols []string, stream io.ReadWriter) (string, error) {
	if len(protocols) == 0 {
		return "", errors.New("no protocols to propose")
	}
	if err := proposeVersion(stream); err != nil {
		return "", err
	}
	for _, protocol := range protocols {
		if err := writeLine(stream, protocol); err != nil {
			return "", err
		}
		response, err := readLine(stream)
		if err != nil {
			return "", err
		}
		if response == protocol {
			return protocol, nil
		} else if response == tokenNotAvailable {
			continue
		}
		return "", errors.Errorf("unexpected negotiation response: %q", response)
	}
	return "", ErrNegotiationFailed
}

// Handle responds to proposals against the specified supported set and
// returns the agreed protocol. Proposals outside the set elicit the
// not-available token; a list request elicits the supported set.
func Handle(supported []string, stream io.ReadWriter) (string, error) {
	if err := respondVersion(stream); err != nil {
		return "", err
	}
	for {
		proposal, err := readLine(stream)
		if err != nil {
			return "", err
		}
		if proposal == tokenList {
			if err := writeList(stream, supported); err != nil {
				return "", err
			}
			continue
		}
		var match bool
		for _, protocol := range supported {
			if proposal == protocol {
				match = true
				break
			}
		}
		if match {
			if err := writeLine(stream, proposal); err != nil {
				return "", err
			}
			return proposal, nil
		}
		if err := writeLine(stream, tokenNotAvailable); err != nil {
			return "", err
		}
	}
}

// writeList writes the supported protocol set as a single delimited message
// whose body is a concatenation of delimited lines, one per protocol.
func writeList(writer io.Writer, protocols []string) error {
	var body bytes.Buffer
	for _, protocol := range protocols {
		if err := writeLine(&body, protocol); err != nil {
			return err
		}
	}
	var length [binary.MaxVarintLen64]byte
	count := binary.PutUvarint(length[:], uint64(body.Len()+1))
	message := make([]byte, 0, count+body.Len()+1)
	message = append(message, length[:count]...)
	message = append(message, body.Bytes()...)
	message = append(message, '\n')
	if _, err := writer.Write(message); err != nil {
		return errors.Wrap(err, "unable to write protocol list")
	}
	return nil
}

// List requests and parses the responder's protocol list. It must be called
// after version exchange would have occurred, so it performs its own: it is
// intended for one-shot use on a fresh channel.
func List(stream io.ReadWriter) ([]string, error) {
	if err := proposeVersion(stream); err != nil {
		return nil, err
	}
	if err := writeLine(stream, tokenList); err != nil {
		return nil, err
	}
	length, err := binary.ReadUvarint(byteReader{stream})
	if err != nil {
		return nil, errors.Wrap(err, "unable to read list length")
	}
	if length == 0 || length > 64*maximumLineLength {
		return nil, errors.Errorf("invalid list length: %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(stream, body); err != nil {
		return nil, errors.Wrap(err, "unable to read list body")
	}
	if body[length-1] != '\n' {
		return nil, errors.New("list missing newline terminator")
	}
	reader := bytes.NewReader(body[:length-1])
	var result []string
	for reader.Len() > 0 {
		protocol, err := readLine(reader)
		if err != nil {
			return nil, errors.Wrap(err, "unable to parse list entry")
		}
		result = append(result, protocol)
	}
	return result, nil
}
