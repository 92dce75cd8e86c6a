package secrets

import "strings"

// SensitiveFields lists the dotted paths inside the configuration document
// whose values are encrypted at rest.
var SensitiveFields = []string{
	"marzban.password",
	"telegram.bot_token",
}

// EncryptDocument walks doc and replaces each sensitive field's value with
// its "encrypted:<base64>" form. doc is mutated in place and also returned.
// Fields that are missing, already encrypted, or not strings are left as-is.
func (s *Store) EncryptDocument(doc map[string]interface{}, sensitiveFields []string) error {
	for _, path := range sensitiveFields {
		value, ok := getPath(doc, path)
		if !ok {
			continue
		}
		str, ok := value.(string)
		if !ok || str == "" || IsEncrypted(str) {
			continue
		}
		encrypted, err := s.Encrypt(str)
		if err != nil {
			return err
		}
		setPath(doc, path, encrypted)
	}
	return nil
}

// DecryptDocument reverses EncryptDocument: every sensitive field carrying
// the "encrypted:" marker is decrypted back to plaintext. Fields that are
// missing or not encrypted are left as-is.
func (s *Store) DecryptDocument(doc map[string]interface{}, sensitiveFields []string) error {
	for _, path := range sensitiveFields {
		value, ok := getPath(doc, path)
		if !ok {
			continue
		}
		str, ok := value.(string)
		if !ok || !IsEncrypted(str) {
			continue
		}
		plain, err := s.Decrypt(str)
		if err != nil {
			return err
		}
		setPath(doc, path, plain)
	}
	return nil
}

func getPath(doc map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	cur := interface{}(doc)
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func setPath(doc map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	cur := doc
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
}
