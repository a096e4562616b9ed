package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/bunx"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/repository"
	"github.com/ox-it/apiox-core/internal/services/principal"
)

var (
	principalType    string
	principalTitle   string
	redirectURIs     []string
	grantTypes       []string
	administrators   []int64
	withSecret       bool
	grantScopes      []string
	grantKind        string
	grantGroups      []string
	grantExpires     time.Duration
	grantJustifyText string
)

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Manage principals and their scope grants",
	Long:  `Commands for bootstrapping OAuth2 clients directly against the database.`,
}

var principalCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create or update a principal and issue it a client secret",
	Long: `Creates the named principal (qualified with the default realm when no realm
is given), or updates it when it already exists. Unless --secret=false is
passed, a new client secret is generated, replacing any existing one. The
secret is printed once and cannot be recovered.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		ctx := context.Background()
		repo := repository.NewBunPrincipalRepository(db)
		svc := principal.NewService(repo, nil, cfg.DefaultRealm, nil)

		p, err := svc.Lookup(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to create principal: %w", err)
		}
		if principalType != "" {
			t := models.PrincipalType(principalType)
			if !t.Valid() {
				return fmt.Errorf("invalid principal type %q", principalType)
			}
			p.Type = t
		}
		if principalTitle != "" {
			p.Title = principalTitle
		}
		if len(redirectURIs) > 0 {
			p.RedirectURIs = models.StringList(redirectURIs)
		}
		if len(grantTypes) > 0 {
			for _, g := range grantTypes {
				switch g {
				case models.GrantTypeAuthorizationCode, models.GrantTypeClientCredentials, models.GrantTypeRefreshToken:
				default:
					return fmt.Errorf("invalid grant type %q", g)
				}
			}
			p.AllowedGrantTypes = models.StringList(grantTypes)
		}
		if len(administrators) > 0 {
			p.Administrators = models.Int64List(administrators)
		}
		if err := repo.Update(ctx, p); err != nil {
			return fmt.Errorf("failed to update principal: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Principal saved successfully!")
		fmt.Fprintln(out, "----------------------------------------")
		fmt.Fprintf(out, "Client ID: %s\n", p.ID)
		fmt.Fprintf(out, "Name: %s\n", p.Name)
		fmt.Fprintf(out, "Type: %s\n", p.Type)

		if withSecret {
			secret, err := auth.GenerateToken()
			if err != nil {
				return fmt.Errorf("failed to generate secret: %w", err)
			}
			hash := auth.NewCodec(cfg.TokenSalt).Hash(secret)
			if err := repo.SetSecretHash(ctx, p.ID, &hash); err != nil {
				return fmt.Errorf("failed to store secret: %w", err)
			}
			fmt.Fprintf(out, "Client Secret: %s\n", secret)
			fmt.Fprintln(out, "----------------------------------------")
			fmt.Fprintln(out, "Save the client secret securely. It will not be shown again.")
		}
		return nil
	},
}

var principalGrantCmd = &cobra.Command{
	Use:   "grant [client-id]",
	Short: "Grant scopes to a client",
	Long: `Records a scope grant for a client. Implicit grants let the client use the
scopes on its own behalf without user interaction; request grants let it ask
users to consent to them. With --group, the grant only applies to accounts in
one of the named groups.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(grantScopes) == 0 {
			return fmt.Errorf("at least one scope must be specified using --scope")
		}
		kind := models.GrantKind(grantKind)
		if kind != models.GrantKindImplicit && kind != models.GrantKindRequest {
			return fmt.Errorf("invalid grant kind %q, expected %s or %s", grantKind, models.GrantKindImplicit, models.GrantKindRequest)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		ctx := context.Background()
		client, err := repository.NewBunPrincipalRepository(db).GetByID(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to find client %s: %w", args[0], err)
		}

		now := time.Now().UTC()
		grant := &models.ScopeGrant{
			ID:            bunx.NewUUIDv7(),
			Kind:          kind,
			ClientID:      client.ID,
			Scopes:        models.StringList(grantScopes),
			GrantedAt:     now,
			Justification: grantJustifyText,
		}
		if len(grantGroups) > 0 {
			grant.TargetGroups = models.StringList(grantGroups)
		}
		if grantExpires > 0 {
			expires := now.Add(grantExpires)
			grant.ExpireAt = &expires
		}
		if err := repository.NewBunScopeGrantRepository(db).Create(ctx, grant); err != nil {
			return fmt.Errorf("failed to create grant: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Granted %s (%s) to %s as grant %s\n",
			strings.Join(grantScopes, ", "), kind, client.ID, grant.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(principalCmd)

	principalCmd.AddCommand(principalCreateCmd)
	principalCreateCmd.Flags().StringVar(&principalType, "type", "", "Principal type (user, project, society, service, itss, root, admin)")
	principalCreateCmd.Flags().StringVar(&principalTitle, "title", "", "Title shown on consent pages")
	principalCreateCmd.Flags().StringSliceVar(&redirectURIs, "redirect-uri", nil, "Registered redirect URI (repeatable)")
	principalCreateCmd.Flags().StringSliceVar(&grantTypes, "grant-type", nil, "Allowed OAuth2 grant type (repeatable)")
	principalCreateCmd.Flags().Int64SliceVar(&administrators, "admin", nil, "User ID allowed to manage the client (repeatable)")
	principalCreateCmd.Flags().BoolVar(&withSecret, "secret", true, "Generate a new client secret")

	principalCmd.AddCommand(principalGrantCmd)
	principalGrantCmd.Flags().StringSliceVar(&grantScopes, "scope", nil, "Scope to grant (repeatable)")
	principalGrantCmd.Flags().StringVar(&grantKind, "kind", string(models.GrantKindImplicit), "Grant kind: implicit or request")
	principalGrantCmd.Flags().StringSliceVar(&grantGroups, "group", nil, "Restrict the grant to members of this group (repeatable)")
	principalGrantCmd.Flags().DurationVar(&grantExpires, "expires-in", 0, "Expire the grant after this long (0 never expires)")
	principalGrantCmd.Flags().StringVar(&grantJustifyText, "justification", "", "Why the grant was made")
}
