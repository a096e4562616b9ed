package principal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/directory"
	"github.com/ox-it/apiox-core/internal/repository"
	"github.com/ox-it/apiox-core/internal/telemetry"
)

const tracerName = "apiox/services/principal"

// ErrDirectoryUnavailable is returned when a new principal could not be
// classified because the directory failed.
var ErrDirectoryUnavailable = errors.New("directory unavailable")

// Directory resolves names and person IDs to directory records.
type Directory interface {
	ResolvePrincipal(ctx context.Context, name string) (*directory.PrincipalEntry, error)
	GetPerson(ctx context.Context, id int64) (*directory.Person, error)
}

var personalUsernameRe = regexp.MustCompile(`^[a-z]{4}\d{4}$`)

// Service finds principals by name, creating them from the directory on
// first sight.
type Service struct {
	repo         repository.PrincipalRepository
	dir          Directory
	defaultRealm string
	logger       *zap.Logger
	creating     singleflight.Group
}

// NewService constructs a principal service. dir may be nil, in which case
// new principals are created without directory data.
func NewService(repo repository.PrincipalRepository, dir Directory, defaultRealm string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, dir: dir, defaultRealm: defaultRealm, logger: logger.Named("principal")}
}

// Qualify appends the default realm to names without one.
func (s *Service) Qualify(name string) string {
	if strings.Contains(name, "@") {
		return name
	}
	return name + "@" + s.defaultRealm
}

// Get returns a principal by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Principal, error) {
	return s.repo.GetByID(ctx, id)
}

// Lookup returns the principal called name, creating it when unknown.
// Concurrent lookups of the same new name create it once.
func (s *Service) Lookup(ctx context.Context, name string) (*models.Principal, error) {
	name = s.Qualify(name)
	p, err := s.repo.GetByName(ctx, name)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	v, err, _ := s.creating.Do(name, func() (any, error) {
		return s.create(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Principal), nil
}

func (s *Service) create(ctx context.Context, name string) (p *models.Principal, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "principal.Create",
		attribute.String(telemetry.AttrPrincipal, name),
	)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	var personID *int64
	if s.dir != nil {
		entry, err := s.dir.ResolvePrincipal(ctx, name)
		switch {
		case errors.Is(err, directory.ErrNotFound):
		case errors.Is(err, directory.ErrInvalidName):
			return nil, err
		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
		default:
			personID = entry.PersonID
		}
	}

	typ, err := s.DetermineType(ctx, name, personID)
	if err != nil {
		return nil, err
	}
	p = &models.Principal{
		ID:   auth.MustGenerateToken(),
		Name: name,
		Type: typ,
	}
	if typ.IsPerson() {
		p.UserID = personID
	}
	if err := s.repo.Create(ctx, p); err != nil {
		// Another replica may have created it in the meantime.
		if existing, getErr := s.repo.GetByName(ctx, name); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	telemetry.AddEvent(span, "principal.created", attribute.String("principal.type", string(typ)))
	s.logger.Info("created principal",
		zap.String("principal_id", p.ID),
		zap.String("name", name),
		zap.String("type", string(typ)),
	)
	return p, nil
}

// DetermineType classifies a principal name of the form first[/last]@REALM.
// Names whose instance contains a dot are service principals; names with no
// directory person are societies; names that are not the person's own
// username are project accounts; otherwise the instance names the type.
// Unrecognised instances are treated as service principals.
func (s *Service) DetermineType(ctx context.Context, name string, personID *int64) (models.PrincipalType, error) {
	local, _, _ := strings.Cut(name, "@")
	first, last, _ := strings.Cut(local, "/")

	if strings.Contains(last, ".") {
		return models.PrincipalTypeService, nil
	}

	var person *directory.Person
	if personID != nil && s.dir != nil {
		p, err := s.dir.GetPerson(ctx, *personID)
		switch {
		case errors.Is(err, directory.ErrNotFound):
		case err != nil:
			return "", fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
		default:
			person = p
		}
	}
	if person == nil {
		return models.PrincipalTypeSociety, nil
	}
	if first != person.PrincipalName && first != person.SSOUsername && !personalUsernameRe.MatchString(first) {
		return models.PrincipalTypeProject, nil
	}
	if last == "" {
		return models.PrincipalTypeUser, nil
	}
	if typ := models.PrincipalType(last); typ.Valid() {
		return typ, nil
	}
	return models.PrincipalTypeService, nil
}
