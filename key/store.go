package key

import (
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// File names used inside a key folder. A holder folder carries a fragment
// and a group file; a processor folder carries a pair, a signing key and a
// group file.
const (
	keyFolderName   = "key"
	pairFile        = "receiver.private"
	fragmentFile    = "fragment.private"
	groupFile       = "group.toml"
	signingKeyFile  = "signing.private"
	secureFilePerm  = 0600
	secureDirPerm   = 0740
	regularFilePerm = 0644
)

// Tomler represents any struct that can be (un)marshalled into/from toml format
type Tomler interface {
	TOML() interface{}
	FromTOML(i interface{}) error
	TOMLValue() interface{}
}

// FileStore saves and loads all key material of one component under a
// single base folder. Private material is written with 0600 permissions.
type FileStore struct {
	baseFolder     string
	pairFile       string
	fragmentFile   string
	groupFile      string
	signingKeyFile string
}

// NewFileStore returns a file store rooted at the given base folder,
// creating the key directory if needed.
func NewFileStore(baseFolder string) *FileStore {
	folder := path.Join(baseFolder, keyFolderName)
	_ = os.MkdirAll(folder, secureDirPerm)
	return &FileStore{
		baseFolder:     folder,
		pairFile:       path.Join(folder, pairFile),
		fragmentFile:   path.Join(folder, fragmentFile),
		groupFile:      path.Join(folder, groupFile),
		signingKeyFile: path.Join(folder, signingKeyFile),
	}
}

// SavePair stores the processor's receiving keypair.
func (f *FileStore) SavePair(p *Pair) error {
	return f.save(f.pairFile, p, true)
}

// LoadPair loads the processor's receiving keypair.
func (f *FileStore) LoadPair() (*Pair, error) {
	p := new(Pair)
	return p, f.load(f.pairFile, p)
}

// SaveFragment stores a holder's key fragment.
func (f *FileStore) SaveFragment(frag *Fragment) error {
	return f.save(f.fragmentFile, frag, true)
}

// LoadFragment loads a holder's key fragment.
func (f *FileStore) LoadFragment() (*Fragment, error) {
	frag := new(Fragment)
	return frag, f.load(f.fragmentFile, frag)
}

// SaveGroup stores the public group configuration.
func (f *FileStore) SaveGroup(g *Group) error {
	return f.save(f.groupFile, g, false)
}

// LoadGroup loads the public group configuration.
func (f *FileStore) LoadGroup() (*Group, error) {
	g := new(Group)
	return g, f.load(f.groupFile, g)
}

// SaveSigningKey stores the processor's signing key hex-encoded.
func (f *FileStore) SaveSigningKey(s *SigningKey) error {
	if err := ethcrypto.SaveECDSA(f.signingKeyFile, s.PrivateKey); err != nil {
		return fmt.Errorf("saving signing key: %w", err)
	}
	return os.Chmod(f.signingKeyFile, secureFilePerm)
}

// LoadSigningKey loads the processor's signing key.
func (f *FileStore) LoadSigningKey() (*SigningKey, error) {
	priv, err := ethcrypto.LoadECDSA(f.signingKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	return &SigningKey{priv}, nil
}

// Save the given Tomler interface to the given path.
func Save(filePath string, t Tomler, secure bool) error {
	var fd *os.File
	var err error
	if secure {
		fd, err = createSecureFile(filePath)
	} else {
		fd, err = os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, regularFilePerm)
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", filePath, err)
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(t.TOML())
}

// Load the given Tomler from the given file path.
func Load(filePath string, t Tomler) error {
	tomlValue := t.TOMLValue()
	if _, err := toml.DecodeFile(filePath, tomlValue); err != nil {
		return fmt.Errorf("decoding %s: %w", filePath, err)
	}
	return t.FromTOML(tomlValue)
}

func (f *FileStore) save(filePath string, t Tomler, secure bool) error {
	return Save(filePath, t, secure)
}

func (f *FileStore) load(filePath string, t Tomler) error {
	return Load(filePath, t)
}

// createSecureFile creates a file with rw permission for the user only.
func createSecureFile(file string) (*os.File, error) {
	fd, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, secureFilePerm)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(file, secureFilePerm); err != nil {
		fd.Close()
		return nil, err
	}
	return fd, nil
}
