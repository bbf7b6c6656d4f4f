package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/gatekeeper/internal/domain/auth"
	"github.com/xenking/gatekeeper/internal/domain/authz"
	"github.com/xenking/gatekeeper/internal/domain/role"
)

// maxBodySize caps request bodies; credentials are tiny.
const maxBodySize = 64 << 10

func decodeCredentials(r io.Reader) (auth.Credentials, error) {
	var c auth.Credentials
	d := jx.Decode(io.LimitReader(r, maxBodySize), 512)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "identifier", "username":
			c.Identifier, err = decodeOptStr(d)
		case "secret", "password":
			c.Secret, err = decodeOptStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return auth.Credentials{}, errors.Wrap(err, "decode credentials")
	}
	return c, nil
}

func decodeRevokeRequest(r io.Reader) (string, error) {
	var raw string
	d := jx.Decode(io.LimitReader(r, maxBodySize), 512)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "token" {
			return d.Skip()
		}
		var err error
		raw, err = decodeOptStr(d)
		return err
	})
	if err != nil {
		return "", errors.Wrap(err, "decode revoke request")
	}
	return raw, nil
}

// decodeOptStr reads a string, treating null as empty.
func decodeOptStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

// encodeAuthResult writes the auth response, omitting empty fields.
func encodeAuthResult(e *jx.Encoder, res *auth.Result) {
	e.ObjStart()
	if res.Token != "" {
		e.FieldStart("token")
		e.Str(res.Token)
	}
	if res.TokenType != "" {
		e.FieldStart("tokenType")
		e.Str(res.TokenType)
	}
	if !res.ExpiresAt.IsZero() {
		e.FieldStart("expiresAt")
		e.Str(res.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if res.Username != "" {
		e.FieldStart("username")
		e.Str(res.Username)
	}
	encodeStrs(e, "roles", res.Roles)
	encodeStrs(e, "scopes", res.Scopes)
	e.ObjEnd()
}

func encodePrincipal(e *jx.Encoder, p authz.Principal) {
	e.ObjStart()
	if p.Subject != "" {
		e.FieldStart("username")
		e.Str(p.Subject)
	}
	encodeStrs(e, "roles", p.Roles)
	encodeStrs(e, "scopes", p.Scopes)
	e.ObjEnd()
}

func encodeMapping(e *jx.Encoder, m *role.Mapping) {
	e.ObjStart()
	e.FieldStart("defaultRole")
	e.Str(m.DefaultRole)
	e.FieldStart("roles")
	e.ObjStart()
	for _, name := range m.Names() {
		e.FieldStart(name)
		e.ArrStart()
		for _, s := range m.Roles[name] {
			e.Str(s)
		}
		e.ArrEnd()
	}
	e.ObjEnd()
	e.ObjEnd()
}

func encodeStrs(e *jx.Encoder, field string, values []string) {
	if len(values) == 0 {
		return
	}
	e.FieldStart(field)
	e.ArrStart()
	for _, v := range values {
		e.Str(v)
	}
	e.ArrEnd()
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// writeError writes the {"code","message"} error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(message)
		e.ObjEnd()
	})
}
