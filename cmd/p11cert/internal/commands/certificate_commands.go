package commands

import (
	"fmt"
	"log"

	"github.com/niclabs/p11cert"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// CertificateCommandHandler runs the certificate commands against the token
// selected by the global flags.
type CertificateCommandHandler struct {
	loader     p11cert.ModuleLoader
	configPath string
	tokenLabel string
}

// NewCertificateCommandHandler returns a handler loading modules with
// loader, or with the PKCS#11 library named in the configuration when
// loader is nil.
func NewCertificateCommandHandler(loader p11cert.ModuleLoader) *CertificateCommandHandler {
	return &CertificateCommandHandler{
		loader: loader,
	}
}

func (handler *CertificateCommandHandler) loadConfig() (*p11cert.Config, error) {
	conf, err := p11cert.LoadConfig(handler.configPath)
	if err != nil {
		return nil, err
	}
	p11cert.SetupLogging(conf.General)
	if handler.tokenLabel == "" {
		handler.tokenLabel = conf.Criptoki.TokenLabel
	} else {
		conf.Criptoki.TokenLabel = handler.tokenLabel
	}
	return conf, nil
}

// withToken opens the application, runs fn on the selected token and
// finalizes the application.
func (handler *CertificateCommandHandler) withToken(fn func(*p11cert.Application, *p11cert.Token) error) (err error) {
	conf, err := handler.loadConfig()
	if err != nil {
		return err
	}
	var app *p11cert.Application
	if handler.loader != nil {
		app, err = p11cert.NewApplicationWithLoader(conf, handler.loader)
	} else {
		app, err = p11cert.NewApplication(conf)
	}
	if err != nil {
		return err
	}
	defer func() {
		if finErr := app.Finalize(); finErr != nil {
			log.Printf("finalizing: %v", finErr)
		}
	}()
	token, err := app.GetToken(handler.tokenLabel)
	if err != nil {
		return err
	}
	return fn(app, token)
}

func findByID(token *p11cert.Token, hexID string) (*p11cert.Certificate, error) {
	id, err := decodeID(hexID)
	if err != nil {
		return nil, err
	}
	cert, err := token.FindCertificate(id)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, errors.Errorf("no certificate with id %x on token %q", id, token.Label)
	}
	return cert, nil
}

// ListCmd prints the certificates on the token, or the last saved
// inventory with --offline.
func (handler *CertificateCommandHandler) ListCmd(cmd *cobra.Command, _ []string) error {
	offline, err := cmd.Flags().GetBool("offline")
	if err != nil {
		return err
	}
	save, err := cmd.Flags().GetBool("save")
	if err != nil {
		return err
	}
	if offline {
		return handler.listOffline(cmd)
	}
	return handler.withToken(func(app *p11cert.Application, token *p11cert.Token) error {
		certs, err := token.EnumerateCertificates()
		if err != nil {
			return err
		}
		for _, cert := range certs {
			printCertificate(cmd.OutOrStdout(), cert)
		}
		if save {
			id, err := app.SaveInventory(token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved inventory %s\n", id)
		}
		return nil
	})
}

func (handler *CertificateCommandHandler) listOffline(cmd *cobra.Command) error {
	conf, err := handler.loadConfig()
	if err != nil {
		return err
	}
	db, err := p11cert.NewDatabase(conf)
	if err != nil {
		return err
	}
	defer db.CloseStorage()
	if err := db.InitStorage(); err != nil {
		return err
	}
	snapshot, err := db.GetCertificates(handler.tokenLabel)
	if err != nil {
		return errors.Wrapf(err, "token %q", handler.tokenLabel)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "inventory %s taken %s\n", snapshot.ID, snapshot.Taken.Format("2006-01-02T15:04:05Z07:00"))
	for _, record := range snapshot.Certificates {
		label := "-"
		if record.HasLabel {
			label = fmt.Sprintf("%q", record.Label)
		}
		fmt.Fprintf(out, "handle=%d id=%x label=%s\n", record.Handle, record.ID, label)
	}
	return nil
}

func (handler *CertificateCommandHandler) FindCmd(cmd *cobra.Command, _ []string) error {
	hexID, err := cmd.Flags().GetString("id")
	if err != nil {
		return err
	}
	return handler.withToken(func(_ *p11cert.Application, token *p11cert.Token) error {
		cert, err := findByID(token, hexID)
		if err != nil {
			return err
		}
		printCertificate(cmd.OutOrStdout(), cert)
		return nil
	})
}

// StoreCmd writes a certificate file to the token.
func (handler *CertificateCommandHandler) StoreCmd(cmd *cobra.Command, _ []string) error {
	certPath, err := cmd.Flags().GetString("cert")
	if err != nil {
		return err
	}
	label, err := cmd.Flags().GetString("label")
	if err != nil {
		return err
	}
	hexID, err := cmd.Flags().GetString("id")
	if err != nil {
		return err
	}
	genID, err := cmd.Flags().GetBool("gen-id")
	if err != nil {
		return err
	}

	var id []byte
	switch {
	case genID && hexID != "":
		return errors.New("--id and --gen-id are mutually exclusive")
	case genID:
		id = p11cert.NewCertificateID()
	case hexID != "":
		if id, err = decodeID(hexID); err != nil {
			return err
		}
	}
	x509Cert, err := readCertificate(certPath)
	if err != nil {
		return err
	}
	return handler.withToken(func(_ *p11cert.Application, token *p11cert.Token) error {
		cert, err := token.StoreCertificate(x509Cert, label, id)
		if err != nil {
			return err
		}
		printCertificate(cmd.OutOrStdout(), cert)
		return nil
	})
}

func (handler *CertificateCommandHandler) RemoveCmd(cmd *cobra.Command, _ []string) error {
	hexID, err := cmd.Flags().GetString("id")
	if err != nil {
		return err
	}
	return handler.withToken(func(_ *p11cert.Application, token *p11cert.Token) error {
		cert, err := findByID(token, hexID)
		if err != nil {
			return err
		}
		if err := cert.Remove(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed object %d\n", cert.Handle())
		return nil
	})
}

// ReloadCmd resolves the handle of a certificate again.
func (handler *CertificateCommandHandler) ReloadCmd(cmd *cobra.Command, _ []string) error {
	hexID, err := cmd.Flags().GetString("id")
	if err != nil {
		return err
	}
	return handler.withToken(func(_ *p11cert.Application, token *p11cert.Token) error {
		cert, err := findByID(token, hexID)
		if err != nil {
			return err
		}
		if err := cert.Reload(); err != nil {
			return err
		}
		printCertificate(cmd.OutOrStdout(), cert)
		return nil
	})
}

// InitCertificateCommands registers the certificate commands and the global
// --config and --token flags.
func InitCertificateCommands(rootCmd *cobra.Command, handler *CertificateCommandHandler) {
	rootCmd.PersistentFlags().StringVar(&handler.configPath, "config", "", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&handler.tokenLabel, "token", "", "Label of the token to use (default from configuration)")

	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the certificates on the token",
		Args:  cobra.NoArgs,
		RunE:  handler.ListCmd,
	}
	listCmd.Flags().Bool("offline", false, "Print the last saved inventory instead of reading the token")
	listCmd.Flags().Bool("save", false, "Save the listed certificates as a new inventory")
	rootCmd.AddCommand(listCmd)

	var findCmd = &cobra.Command{
		Use:   "find",
		Short: "Find the certificate with a key id",
		Args:  cobra.NoArgs,
		RunE:  handler.FindCmd,
	}
	findCmd.Flags().String("id", "", "Hex encoded CKA_ID")
	_ = findCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(findCmd)

	var storeCmd = &cobra.Command{
		Use:   "store",
		Short: "Store a certificate on the token",
		Args:  cobra.NoArgs,
		RunE:  handler.StoreCmd,
	}
	storeCmd.Flags().String("cert", "", "Path to a PEM or DER certificate")
	storeCmd.Flags().String("label", "", "CKA_LABEL of the new object")
	storeCmd.Flags().String("id", "", "Hex encoded CKA_ID of the new object")
	storeCmd.Flags().Bool("gen-id", false, "Generate a random CKA_ID")
	_ = storeCmd.MarkFlagRequired("cert")
	rootCmd.AddCommand(storeCmd)

	var removeCmd = &cobra.Command{
		Use:   "remove",
		Short: "Remove the certificate with a key id from the token",
		Args:  cobra.NoArgs,
		RunE:  handler.RemoveCmd,
	}
	removeCmd.Flags().String("id", "", "Hex encoded CKA_ID")
	_ = removeCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(removeCmd)

	var reloadCmd = &cobra.Command{
		Use:   "reload",
		Short: "Resolve the object handle of a certificate again",
		Args:  cobra.NoArgs,
		RunE:  handler.ReloadCmd,
	}
	reloadCmd.Flags().String("id", "", "Hex encoded CKA_ID")
	_ = reloadCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(reloadCmd)
}
