package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"tufd/internal/domain"
	"tufd/internal/metadata"

	log "github.com/sirupsen/logrus"
)

// signedDoc is a candidate document that passed signing and the defensive
// re-verify, carrying the exact bytes that will be committed and published.
type signedDoc struct {
	Role     string
	Version  int64
	Envelope domain.Envelope
	Encoded  []byte
	Hash     string
	Length   int64
}

func (d signedDoc) committed() domain.CommittedDocument {
	return domain.CommittedDocument{
		Role:    d.Role,
		Version: d.Version,
		Encoded: d.Encoded,
		Hash:    d.Hash,
		Length:  d.Length,
	}
}

func (d signedDoc) published() domain.PublishedDocument {
	return domain.PublishedDocument{Role: d.Role, Version: d.Version, Envelope: d.Envelope}
}

func sealDoc(role string, env domain.Envelope) (signedDoc, error) {
	encoded, err := metadata.Encode(env)
	if err != nil {
		return signedDoc{}, err
	}
	hash, length := metadata.Digest(encoded)
	return signedDoc{
		Role:     role,
		Version:  env.Version(),
		Envelope: env,
		Encoded:  encoded,
		Hash:     hash,
		Length:   length,
	}, nil
}

// signDocument signs a candidate payload with the online keys bound to the
// role plus any signatures supplied out-of-band, then re-verifies the result
// against the authorized key set. A document that fails its own verification
// is never committed. When the threshold is missed with online keys, the
// worker re-reads the role's seed from the seed store once: a rotation
// committed by another worker leaves this process's in-memory material stale.
func (w *Worker) signDocument(ctx context.Context, role string, payload any, authorized map[string]domain.RootKey, threshold int, supplied []domain.Signature, offline bool) (signedDoc, error) {
	doc, err := w.signOnce(ctx, role, payload, authorized, threshold, supplied, offline)
	if err == nil || offline || w.staged != nil || !errors.Is(err, domain.ErrInsufficientSignatures) {
		return doc, err
	}
	if !w.refreshSeed(ctx, role) {
		return doc, err
	}
	return w.signOnce(ctx, role, payload, authorized, threshold, supplied, offline)
}

func (w *Worker) refreshSeed(ctx context.Context, role string) bool {
	if w.Seeds == nil {
		return false
	}
	seed, err := w.Seeds.Seed(ctx, role)
	if err != nil {
		log.WithError(err).WithField("role", role).Warn("seed refresh failed")
		return false
	}
	if err := w.Keys.Rotate(ctx, role, []string{seed}); err != nil {
		log.WithError(err).WithField("role", role).Warn("refreshed seed did not bind")
		return false
	}
	log.WithField("role", role).Info("online key refreshed from seed store")
	return true
}

func (w *Worker) signOnce(ctx context.Context, role string, payload any, authorized map[string]domain.RootKey, threshold int, supplied []domain.Signature, offline bool) (signedDoc, error) {
	env, err := metadata.Wrap(payload)
	if err != nil {
		return signedDoc{}, err
	}
	canonical, err := metadata.Canonicalize(env.Signed)
	if err != nil {
		return signedDoc{}, err
	}

	var sigs []domain.Signature
	if offline {
		// Offline-keyed roles are never signed by the service; their
		// signatures arrive with the request.
		if len(supplied) == 0 {
			return signedDoc{}, fmt.Errorf("%w: role %s is offline-keyed and no signatures were supplied", domain.ErrInsufficientSignatures, role)
		}
	} else if sigs, err = w.signer().Sign(ctx, role, canonical); err != nil {
		if !errors.Is(err, domain.ErrKeyUnavailable) {
			return signedDoc{}, err
		}
		if len(supplied) == 0 {
			return signedDoc{}, fmt.Errorf("%w: role %s has no online key and no signatures were supplied", domain.ErrInsufficientSignatures, role)
		}
		sigs = nil
	}

	seen := map[string]bool{}
	for _, sig := range sigs {
		seen[sig.KeyID] = true
		env.Signatures = append(env.Signatures, sig)
	}
	for _, sig := range supplied {
		if seen[sig.KeyID] {
			continue
		}
		seen[sig.KeyID] = true
		env.Signatures = append(env.Signatures, sig)
	}

	valid, ok, err := metadata.Verify(env, authorized, threshold)
	if err != nil {
		return signedDoc{}, err
	}
	if !ok {
		return signedDoc{}, fmt.Errorf("%w: role %s has %d of %d required signatures", domain.ErrInsufficientSignatures, role, len(valid), threshold)
	}
	return sealDoc(role, env)
}

func decodePayload(task domain.Task, out any) error {
	if err := json.Unmarshal(task.Payload, out); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", domain.ErrInvalidMutation, task.Type, err)
	}
	return nil
}

func (w *Worker) loadRoot(ctx context.Context) (domain.RootPayload, domain.VersionRef, domain.Envelope, error) {
	env, ref, err := w.Repo.LoadCurrent(ctx, domain.RoleRoot)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.RootPayload{}, domain.VersionRef{}, domain.Envelope{}, domain.ErrNotBootstrapped
		}
		return domain.RootPayload{}, domain.VersionRef{}, domain.Envelope{}, err
	}
	root, err := metadata.DecodeRoot(env)
	if err != nil {
		return domain.RootPayload{}, domain.VersionRef{}, domain.Envelope{}, err
	}
	return root, ref, env, nil
}

// cascade produces the snapshot and timestamp successors that make a targets
// change consistent: the same commit that moves any targets role also moves
// snapshot (referencing the new versions) and timestamp (referencing the new
// snapshot), so readers never observe a targets update without a snapshot
// and timestamp pointing at it.
func (w *Worker) cascade(ctx context.Context, builder *metadata.Builder, settings domain.RepositorySettings, root domain.RootPayload, changed map[string]int64, expected map[string]int64) ([]signedDoc, error) {
	var prevSnapshot *domain.SnapshotPayload
	var prevSnapshotVersion, prevTimestampVersion int64

	if env, ref, err := w.Repo.LoadCurrent(ctx, domain.RoleSnapshot); err == nil {
		snap, derr := metadata.DecodeSnapshot(env)
		if derr != nil {
			return nil, derr
		}
		prevSnapshot = &snap
		prevSnapshotVersion = ref.Version
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if ref, err := w.Repo.ReadCurrent(ctx, domain.RoleTimestamp); err == nil {
		prevTimestampVersion = ref.Version
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	snapKeys, snapThreshold, err := metadata.RoleKeys(root, domain.RoleSnapshot)
	if err != nil {
		return nil, err
	}
	snapshotPayload := builder.NextSnapshot(prevSnapshot, changed)
	snapshotDoc, err := w.signDocument(ctx, domain.RoleSnapshot, snapshotPayload, snapKeys, snapThreshold, nil, settings.ForRole(domain.RoleSnapshot).Offline)
	if err != nil {
		return nil, err
	}

	tsKeys, tsThreshold, err := metadata.RoleKeys(root, domain.RoleTimestamp)
	if err != nil {
		return nil, err
	}
	timestampPayload := builder.NextTimestamp(prevTimestampVersion, snapshotDoc.Version, snapshotDoc.Encoded)
	timestampDoc, err := w.signDocument(ctx, domain.RoleTimestamp, timestampPayload, tsKeys, tsThreshold, nil, settings.ForRole(domain.RoleTimestamp).Offline)
	if err != nil {
		return nil, err
	}

	expected[domain.RoleSnapshot] = prevSnapshotVersion
	expected[domain.RoleTimestamp] = prevTimestampVersion
	return []signedDoc{snapshotDoc, timestampDoc}, nil
}

func buildOutcome(docs []signedDoc, message string) outcome {
	result := domain.TaskResult{Versions: map[string]int64{}, Message: message}
	set := domain.VersionSet{}
	for _, doc := range docs {
		result.Versions[doc.Role] = doc.Version
		set.Documents = append(set.Documents, doc.published())
	}
	return outcome{result: result, publish: set}
}

func committedDocs(docs []signedDoc) []domain.CommittedDocument {
	out := make([]domain.CommittedDocument, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.committed())
	}
	return out
}

func (w *Worker) runBootstrap(ctx context.Context, task domain.Task, logger *log.Entry) (outcome, error) {
	var payload domain.BootstrapPayload
	if err := decodePayload(task, &payload); err != nil {
		return outcome{}, err
	}

	logger.WithField("state", StateLoading).Info("checking repository state")
	if _, err := w.Repo.ReadCurrent(ctx, domain.RoleRoot); err == nil {
		return outcome{}, domain.ErrAlreadyBootstrapped
	} else if !errors.Is(err, domain.ErrNotFound) {
		return outcome{}, err
	}

	rootEnv, ok := payload.Metadata[domain.RoleRoot]
	if !ok {
		return outcome{}, fmt.Errorf("%w: bootstrap payload has no root metadata", domain.ErrInvalidMutation)
	}
	root, err := metadata.VerifySelfSigned(rootEnv)
	if err != nil {
		return outcome{}, err
	}
	if root.Version != 1 {
		return outcome{}, fmt.Errorf("%w: bootstrap root must be version 1, got %d", domain.ErrInvalidMutation, root.Version)
	}
	for role, binding := range root.Roles {
		if binding.Threshold > len(binding.KeyIDs) {
			return outcome{}, fmt.Errorf("%w: role %s threshold %d exceeds key count %d", domain.ErrInvalidMutation, role, binding.Threshold, len(binding.KeyIDs))
		}
	}

	settings := domain.RepositorySettings{
		Roles:          payload.Settings.Roles,
		TargetsBaseURL: payload.Settings.Service.TargetsBaseURL,
	}
	if settings.Roles == nil {
		settings.Roles = map[string]domain.RoleSettings{}
	}
	builder := metadata.NewBuilder(settings, w.Now)

	rootDoc, err := sealDoc(domain.RoleRoot, rootEnv)
	if err != nil {
		return outcome{}, err
	}

	logger.WithField("state", StateMutating).Info("building initial metadata")
	targetsKeys, targetsThreshold, err := metadata.RoleKeys(root, domain.RoleTargets)
	if err != nil {
		return outcome{}, err
	}

	var targetsDoc signedDoc
	var binDocs []signedDoc
	changed := map[string]int64{}

	if supplied, ok := payload.Metadata[domain.RoleTargets]; ok {
		// Offline-keyed targets arrive pre-signed from the ceremony.
		if _, ok, err := metadata.Verify(supplied, targetsKeys, targetsThreshold); err != nil {
			return outcome{}, err
		} else if !ok {
			return outcome{}, fmt.Errorf("%w: supplied targets does not meet threshold %d", domain.ErrInsufficientSignatures, targetsThreshold)
		}
		if targetsDoc, err = sealDoc(domain.RoleTargets, supplied); err != nil {
			return outcome{}, err
		}
	} else {
		targetsPayload := builder.NextTargets(domain.RoleTargets, nil)
		if settings.Delegated() {
			binKeys := w.Keys.PublicKeys(domain.BinRole(0))
			if len(binKeys) == 0 {
				return outcome{}, fmt.Errorf("%w: bins", domain.ErrKeyUnavailable)
			}
			binThreshold := settings.ForRole("bins").Threshold
			if binThreshold <= 0 {
				binThreshold = 1
			}
			delegations, err := metadata.BinDelegations(binKeys, binThreshold, settings.NumberOfBins())
			if err != nil {
				return outcome{}, err
			}
			targetsPayload.Delegations = delegations
		}
		logger.WithField("state", StateSigning).Info("signing initial metadata")
		if targetsDoc, err = w.signDocument(ctx, domain.RoleTargets, targetsPayload, targetsKeys, targetsThreshold, nil, settings.ForRole(domain.RoleTargets).Offline); err != nil {
			return outcome{}, err
		}
	}
	changed[domain.RoleTargets] = targetsDoc.Version

	if settings.Delegated() {
		targetsPayload, err := metadata.DecodeTargets(targetsDoc.Envelope)
		if err != nil {
			return outcome{}, err
		}
		for i := 0; i < settings.NumberOfBins(); i++ {
			role := domain.BinRole(i)
			binKeys, binThreshold, err := metadata.DelegatedRoleKeys(targetsPayload, role)
			if err != nil {
				return outcome{}, err
			}
			binPayload := builder.NextTargets(role, nil)
			binDoc, err := w.signDocument(ctx, role, binPayload, binKeys, binThreshold, nil, settings.ForRole(role).Offline)
			if err != nil {
				return outcome{}, err
			}
			binDocs = append(binDocs, binDoc)
			changed[role] = binDoc.Version
		}
	}

	cascadeDocs, err := w.cascade(ctx, builder, settings, root, changed, map[string]int64{})
	if err != nil {
		return outcome{}, err
	}

	docs := append([]signedDoc{rootDoc, targetsDoc}, binDocs...)
	docs = append(docs, cascadeDocs...)

	expected := map[string]int64{}
	for _, doc := range docs {
		expected[doc.Role] = 0
	}

	logger.WithField("state", StateCommitting).Info("committing bootstrap metadata and settings")
	if err := w.Repo.CommitBootstrap(ctx, committedDocs(docs), expected, settings, task.ID, w.ID); err != nil {
		return outcome{}, err
	}
	return buildOutcome(docs, "repository bootstrapped"), nil
}

// targetsByRole routes target paths to the role responsible for them.
func targetsByRole(settings domain.RepositorySettings, files []domain.TargetFile) (map[string][]domain.TargetFile, error) {
	grouped := map[string][]domain.TargetFile{}
	for _, f := range files {
		role := domain.RoleTargets
		if settings.Delegated() {
			var err error
			role, err = metadata.BinForPath(f.Path, settings.NumberOfBins())
			if err != nil {
				return nil, err
			}
		}
		grouped[role] = append(grouped[role], f)
	}
	return grouped, nil
}

func pathsByRole(settings domain.RepositorySettings, paths []string) (map[string][]string, error) {
	grouped := map[string][]string{}
	for _, p := range paths {
		role := domain.RoleTargets
		if settings.Delegated() {
			var err error
			role, err = metadata.BinForPath(p, settings.NumberOfBins())
			if err != nil {
				return nil, err
			}
		}
		grouped[role] = append(grouped[role], p)
	}
	return grouped, nil
}

func sortedRoles[T any](grouped map[string]T) []string {
	roles := make([]string, 0, len(grouped))
	for role := range grouped {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// roleKeysFor resolves the authorized key set for a targets-tree role: the
// top-level targets role binds through root, bin roles through the current
// targets delegations.
func (w *Worker) roleKeysFor(ctx context.Context, root domain.RootPayload, role string) (map[string]domain.RootKey, int, error) {
	if !domain.IsBinRole(role) {
		return metadata.RoleKeys(root, role)
	}
	env, _, err := w.Repo.LoadCurrent(ctx, domain.RoleTargets)
	if err != nil {
		return nil, 0, err
	}
	targets, err := metadata.DecodeTargets(env)
	if err != nil {
		return nil, 0, err
	}
	return metadata.DelegatedRoleKeys(targets, role)
}

func (w *Worker) runAddTargets(ctx context.Context, task domain.Task, logger *log.Entry) (outcome, error) {
	var payload domain.AddTargetsPayload
	if err := decodePayload(task, &payload); err != nil {
		return outcome{}, err
	}
	if len(payload.Targets) == 0 {
		return outcome{}, fmt.Errorf("%w: no targets in payload", domain.ErrInvalidMutation)
	}

	logger.WithField("state", StateLoading).Info("loading current metadata")
	settings, err := w.Settings.Load(ctx)
	if err != nil {
		return outcome{}, err
	}
	root, _, _, err := w.loadRoot(ctx)
	if err != nil {
		return outcome{}, err
	}
	builder := metadata.NewBuilder(settings, w.Now)

	grouped, err := targetsByRole(settings, payload.Targets)
	if err != nil {
		return outcome{}, err
	}

	var docs []signedDoc
	changed := map[string]int64{}
	expected := map[string]int64{}

	logger.WithField("state", StateMutating).Info("applying target mutations")
	for _, role := range sortedRoles(grouped) {
		env, ref, err := w.Repo.LoadCurrent(ctx, role)
		if err != nil {
			return outcome{}, err
		}
		prev, err := metadata.DecodeTargets(env)
		if err != nil {
			return outcome{}, err
		}
		next := builder.NextTargets(role, &prev)
		if err := metadata.AddTargets(&next, grouped[role]); err != nil {
			return outcome{}, err
		}

		keys, threshold, err := w.roleKeysFor(ctx, root, role)
		if err != nil {
			return outcome{}, err
		}
		doc, err := w.signDocument(ctx, role, next, keys, threshold, payload.Signatures[role], settings.ForRole(role).Offline)
		if err != nil {
			return outcome{}, err
		}
		docs = append(docs, doc)
		changed[role] = doc.Version
		expected[role] = ref.Version
	}

	logger.WithField("state", StateSigning).Info("cascading snapshot and timestamp")
	cascadeDocs, err := w.cascade(ctx, builder, settings, root, changed, expected)
	if err != nil {
		return outcome{}, err
	}
	docs = append(docs, cascadeDocs...)

	logger.WithField("state", StateCommitting).Info("committing new versions")
	if err := w.Repo.Commit(ctx, committedDocs(docs), expected, task.ID, w.ID); err != nil {
		return outcome{}, err
	}
	return buildOutcome(docs, fmt.Sprintf("%d target(s) added", len(payload.Targets))), nil
}

func (w *Worker) runRemoveTargets(ctx context.Context, task domain.Task, logger *log.Entry) (outcome, error) {
	var payload domain.RemoveTargetsPayload
	if err := decodePayload(task, &payload); err != nil {
		return outcome{}, err
	}
	if len(payload.Paths) == 0 {
		return outcome{}, fmt.Errorf("%w: no paths in payload", domain.ErrInvalidMutation)
	}

	logger.WithField("state", StateLoading).Info("loading current metadata")
	settings, err := w.Settings.Load(ctx)
	if err != nil {
		return outcome{}, err
	}
	root, _, _, err := w.loadRoot(ctx)
	if err != nil {
		return outcome{}, err
	}
	builder := metadata.NewBuilder(settings, w.Now)

	grouped, err := pathsByRole(settings, payload.Paths)
	if err != nil {
		return outcome{}, err
	}

	var docs []signedDoc
	changed := map[string]int64{}
	expected := map[string]int64{}
	removedTotal := 0

	logger.WithField("state", StateMutating).Info("applying target removals")
	for _, role := range sortedRoles(grouped) {
		env, ref, err := w.Repo.LoadCurrent(ctx, role)
		if err != nil {
			return outcome{}, err
		}
		prev, err := metadata.DecodeTargets(env)
		if err != nil {
			return outcome{}, err
		}
		next := builder.NextTargets(role, &prev)
		removed := metadata.RemoveTargets(&next, grouped[role])
		if removed == 0 {
			// Removing paths that do not exist is a no-op for this
			// role, not an error.
			continue
		}
		removedTotal += removed

		keys, threshold, err := w.roleKeysFor(ctx, root, role)
		if err != nil {
			return outcome{}, err
		}
		doc, err := w.signDocument(ctx, role, next, keys, threshold, nil, settings.ForRole(role).Offline)
		if err != nil {
			return outcome{}, err
		}
		docs = append(docs, doc)
		changed[role] = doc.Version
		expected[role] = ref.Version
	}

	if len(docs) == 0 {
		return outcome{result: domain.TaskResult{Message: "no targets removed"}}, nil
	}

	cascadeDocs, err := w.cascade(ctx, builder, settings, root, changed, expected)
	if err != nil {
		return outcome{}, err
	}
	docs = append(docs, cascadeDocs...)

	logger.WithField("state", StateCommitting).Info("committing new versions")
	if err := w.Repo.Commit(ctx, committedDocs(docs), expected, task.ID, w.ID); err != nil {
		return outcome{}, err
	}
	return buildOutcome(docs, fmt.Sprintf("%d target(s) removed", removedTotal)), nil
}

func (w *Worker) runRotateKey(ctx context.Context, task domain.Task, logger *log.Entry) (outcome, error) {
	var payload domain.RotateKeyPayload
	if err := decodePayload(task, &payload); err != nil {
		return outcome{}, err
	}
	newRootEnv, ok := payload.Metadata[domain.RoleRoot]
	if !ok {
		// Every key binding change is expressed as a new root, so a
		// rotation without one is malformed.
		return outcome{}, fmt.Errorf("%w: rotate-key payload has no root metadata", domain.ErrInvalidMutation)
	}

	logger.WithField("state", StateLoading).Info("loading current root")
	settings, err := w.Settings.Load(ctx)
	if err != nil {
		return outcome{}, err
	}
	oldRoot, rootRef, _, err := w.loadRoot(ctx)
	if err != nil {
		return outcome{}, err
	}

	logger.WithField("state", StateMutating).Info("validating root rotation")
	if err := metadata.VerifyRootRotation(oldRoot, newRootEnv); err != nil {
		return outcome{}, err
	}
	newRoot, err := metadata.DecodeRoot(newRootEnv)
	if err != nil {
		return outcome{}, err
	}
	for role, binding := range newRoot.Roles {
		if binding.Threshold > len(binding.KeyIDs) {
			return outcome{}, fmt.Errorf("%w: role %s threshold %d exceeds key count %d", domain.ErrInvalidMutation, role, binding.Threshold, len(binding.KeyIDs))
		}
	}

	// Stage the rotated online material so the cascade below verifies
	// against the new root. The shared manager is only rebound after the
	// commit lands.
	if len(payload.OnlineKeys) > 0 {
		staged := w.Keys.Fork()
		for _, role := range sortedRoles(payload.OnlineKeys) {
			if err := staged.Rotate(ctx, role, []string{payload.OnlineKeys[role]}); err != nil {
				return outcome{}, err
			}
		}
		w.staged = staged
	}

	rootDoc, err := sealDoc(domain.RoleRoot, newRootEnv)
	if err != nil {
		return outcome{}, err
	}
	docs := []signedDoc{rootDoc}
	expected := map[string]int64{domain.RoleRoot: rootRef.Version}
	changed := map[string]int64{}

	builder := metadata.NewBuilder(settings, w.Now)

	if supplied, ok := payload.Metadata[domain.RoleTargets]; ok {
		targetsKeys, targetsThreshold, err := metadata.RoleKeys(newRoot, domain.RoleTargets)
		if err != nil {
			return outcome{}, err
		}
		if _, ok, err := metadata.Verify(supplied, targetsKeys, targetsThreshold); err != nil {
			return outcome{}, err
		} else if !ok {
			return outcome{}, fmt.Errorf("%w: supplied targets does not meet threshold %d", domain.ErrInsufficientSignatures, targetsThreshold)
		}
		targetsDoc, err := sealDoc(domain.RoleTargets, supplied)
		if err != nil {
			return outcome{}, err
		}
		ref, err := w.Repo.ReadCurrent(ctx, domain.RoleTargets)
		if err != nil {
			return outcome{}, err
		}
		docs = append(docs, targetsDoc)
		expected[domain.RoleTargets] = ref.Version
		changed[domain.RoleTargets] = targetsDoc.Version
	}

	logger.WithField("state", StateSigning).Info("re-signing online roles under new root")
	cascadeDocs, err := w.cascade(ctx, builder, settings, newRoot, changed, expected)
	if err != nil {
		return outcome{}, err
	}
	docs = append(docs, cascadeDocs...)

	logger.WithField("state", StateCommitting).Info("committing rotation")
	if err := w.Repo.Commit(ctx, committedDocs(docs), expected, task.ID, w.ID); err != nil {
		return outcome{}, err
	}

	// The new root is committed; persist the rotated seeds so peer workers
	// and restarts pick them up, then rebind the shared manager. Failures
	// past this point are logged, never re-signed: the committed root is
	// the source of truth and stale peers refresh from the seed store.
	for _, role := range sortedRoles(payload.OnlineKeys) {
		seed := payload.OnlineKeys[role]
		if w.Seeds != nil {
			if err := w.Seeds.SaveSeed(ctx, role, seed); err != nil {
				logger.WithError(err).WithField("role", role).Error("rotated seed not persisted to seed store")
			}
		}
		if err := w.Keys.Rotate(ctx, role, []string{seed}); err != nil {
			logger.WithError(err).WithField("role", role).Error("rotated seed did not bind")
		}
	}
	w.staged = nil
	return buildOutcome(docs, fmt.Sprintf("key rotation for %s committed", payload.Role)), nil
}

func (w *Worker) runPublishSnapshot(ctx context.Context, task domain.Task, logger *log.Entry) (outcome, error) {
	logger.WithField("state", StateLoading).Info("loading current version set")
	settings, err := w.Settings.Load(ctx)
	if err != nil {
		return outcome{}, err
	}

	roles := []string{domain.RoleRoot, domain.RoleTargets}
	for i := 0; i < settings.NumberOfBins(); i++ {
		roles = append(roles, domain.BinRole(i))
	}
	roles = append(roles, domain.RoleSnapshot, domain.RoleTimestamp)

	set := domain.VersionSet{}
	versions := map[string]int64{}
	for _, role := range roles {
		env, ref, err := w.Repo.LoadCurrent(ctx, role)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return outcome{}, err
		}
		set.Documents = append(set.Documents, domain.PublishedDocument{
			Role:     role,
			Version:  ref.Version,
			Envelope: env,
		})
		versions[role] = ref.Version
	}
	if len(set.Documents) == 0 {
		return outcome{}, domain.ErrNotBootstrapped
	}

	return outcome{
		result:  domain.TaskResult{Versions: versions, Message: "current version set republished"},
		publish: set,
	}, nil
}

func (w *Worker) runForceResign(ctx context.Context, task domain.Task, logger *log.Entry) (outcome, error) {
	var payload domain.ForceResignPayload
	if err := decodePayload(task, &payload); err != nil {
		return outcome{}, err
	}

	logger.WithField("state", StateLoading).Info("loading current metadata")
	settings, err := w.Settings.Load(ctx)
	if err != nil {
		return outcome{}, err
	}
	root, _, _, err := w.loadRoot(ctx)
	if err != nil {
		return outcome{}, err
	}
	builder := metadata.NewBuilder(settings, w.Now)

	var docs []signedDoc
	changed := map[string]int64{}
	expected := map[string]int64{}

	sort.Strings(payload.Roles)
	for _, role := range payload.Roles {
		switch role {
		case domain.RoleRoot:
			return outcome{}, fmt.Errorf("%w: root cannot be re-signed online", domain.ErrInvalidMutation)
		case domain.RoleSnapshot, domain.RoleTimestamp:
			// Always refreshed by the cascade below.
			continue
		}

		env, ref, err := w.Repo.LoadCurrent(ctx, role)
		if err != nil {
			return outcome{}, err
		}
		prev, err := metadata.DecodeTargets(env)
		if err != nil {
			return outcome{}, err
		}
		next := builder.NextTargets(role, &prev)

		keys, threshold, err := w.roleKeysFor(ctx, root, role)
		if err != nil {
			return outcome{}, err
		}
		logger.WithFields(log.Fields{"state": StateSigning, "role": role}).Info("re-signing role")
		doc, err := w.signDocument(ctx, role, next, keys, threshold, nil, settings.ForRole(role).Offline)
		if err != nil {
			return outcome{}, err
		}
		docs = append(docs, doc)
		changed[role] = doc.Version
		expected[role] = ref.Version
	}

	cascadeDocs, err := w.cascade(ctx, builder, settings, root, changed, expected)
	if err != nil {
		return outcome{}, err
	}
	docs = append(docs, cascadeDocs...)

	logger.WithField("state", StateCommitting).Info("committing re-signed versions")
	if err := w.Repo.Commit(ctx, committedDocs(docs), expected, task.ID, w.ID); err != nil {
		return outcome{}, err
	}
	return buildOutcome(docs, "online roles re-signed"), nil
}
