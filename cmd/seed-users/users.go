package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"

	"github.com/xenking/gatekeeper/internal/domain/identity"
	"github.com/xenking/gatekeeper/internal/domain/role"
	"github.com/xenking/gatekeeper/internal/secret"
)

// maxLineSize bounds a single JSON line.
const maxLineSize = 1 << 20

// userLine is one input record. "secret" is accepted for "password":
//
//	{"username":"alice","email":"alice@example.com","password":"...","roles":["USER"]}
type userLine struct {
	Username string
	Email    string
	Password string
	Roles    []string

	line int
}

func parseUser(data []byte) (userLine, error) {
	var u userLine
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "username":
			u.Username, err = d.Str()
		case "email":
			u.Email, err = d.Str()
		case "password", "secret":
			u.Password, err = d.Str()
		case "roles":
			err = d.Arr(func(d *jx.Decoder) error {
				r, err := d.Str()
				if err != nil {
					return err
				}
				u.Roles = append(u.Roles, r)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return userLine{}, errors.Wrap(err, "decode user")
	}
	return u, nil
}

// streamUsers calls fn for every non-blank line of path with its 1-based
// line number. Files ending in .gz are decompressed.
func streamUsers(ctx context.Context, path string, fn func(n int, u userLine) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	n := 0
	for scanner.Scan() {
		n++
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		u, err := parseUser(line)
		if err != nil {
			return errors.Wrapf(err, "line %d", n)
		}
		if err := fn(n, u); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

// converter turns input lines into directory records.
type converter struct {
	mapping *role.Mapping
	hasher  *secret.Hasher
}

// record applies the registration rules: email-shaped usernames and email
// aliases are lowercased, either one stands in for the other when missing,
// and an empty role list means the default role.
func (c *converter) record(u userLine) (identity.Record, error) {
	name := identity.NormalizeIdentifier(u.Username)
	username := name.Value
	var email string
	if e := strings.TrimSpace(u.Email); e != "" {
		id := identity.NormalizeIdentifier(e)
		if !id.IsEmail {
			return identity.Record{}, errors.Errorf("invalid email %q", e)
		}
		email = id.Value
	}
	if username == "" {
		username = email
	}
	if email == "" && name.IsEmail {
		email = username
	}
	if username == "" {
		return identity.Record{}, errors.New("blank username")
	}
	if strings.TrimSpace(u.Password) == "" {
		return identity.Record{}, errors.New("blank password")
	}

	roles := slices.Clone(u.Roles)
	if len(roles) == 0 {
		roles = []string{c.mapping.DefaultRole}
	}
	for _, r := range roles {
		if _, ok := c.mapping.Roles[r]; !ok {
			return identity.Record{}, errors.Wrapf(role.ErrUnknownRole, "role %q", r)
		}
	}

	hash, err := c.hasher.Hash(u.Password)
	if err != nil {
		return identity.Record{}, errors.Wrap(err, "hash password")
	}
	return identity.Record{
		Username:   username,
		Email:      email,
		SecretHash: hash,
		Roles:      roles,
	}, nil
}
